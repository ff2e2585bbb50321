package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/threadkeep/threadkeep/engine/core"
	"github.com/threadkeep/threadkeep/engine/crypto"
	"github.com/threadkeep/threadkeep/pkg/logger"
)

const (
	defaultChunkSize  = 64 * 1024
	defaultSweepBatch = 100
)

// Service seals attachment bytes through the encryption envelope's
// stream mode and signs download URLs with the envelope's signing keys.
type Service struct {
	repo      Repository
	blobs     BlobStore
	crypto    *crypto.Service
	chunkSize int
}

func NewService(repo Repository, blobs BlobStore, cryptoSvc *crypto.Service) *Service {
	return &Service{repo: repo, blobs: blobs, crypto: cryptoSvc, chunkSize: defaultChunkSize}
}

// SetChunkSize overrides the stream chunk size for sealed blobs.
func (s *Service) SetChunkSize(n int) {
	if n > 0 {
		s.chunkSize = n
	}
}

type UploadInput struct {
	FileName    string
	ContentType string
	// TTL bounds the attachment's lifetime; zero means no expiry.
	TTL time.Duration
}

// Upload seals the stream into the blob store and records plaintext
// digest and size. The blob never holds plaintext.
func (s *Service) Upload(ctx context.Context, r io.Reader, in UploadInput) (*Record, error) {
	id := core.NewID()
	hash := sha256.New()
	counted := &countingReader{r: io.TeeReader(r, hash)}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.crypto.EncryptStream(ctx, pw, counted, s.chunkSize))
	}()
	key := string(id)
	if err := s.blobs.Put(ctx, key, pr); err != nil {
		return nil, fmt.Errorf("storing attachment blob: %w", err)
	}
	now := time.Now().UTC()
	rec := &Record{
		ID:          id,
		StorageKey:  key,
		SHA256:      hex.EncodeToString(hash.Sum(nil)),
		Size:        counted.n,
		ContentType: in.ContentType,
		FileName:    in.FileName,
		CreatedAt:   now,
	}
	if in.TTL > 0 {
		expires := now.Add(in.TTL)
		rec.ExpiresAt = &expires
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			logger.FromContext(ctx).Warn("orphaned attachment blob", "key", key, "error", delErr)
		}
		return nil, fmt.Errorf("recording attachment: %w", err)
	}
	return rec, nil
}

// Download returns the record and a plaintext stream. Expired
// attachments behave as if they never existed.
func (s *Service) Download(ctx context.Context, id core.ID) (*Record, io.ReadCloser, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("loading attachment: %w", err)
	}
	if rec == nil || (rec.ExpiresAt != nil && rec.ExpiresAt.Before(time.Now().UTC())) {
		return nil, nil, core.NotFoundError("attachment not found")
	}
	sealed, err := s.blobs.Open(ctx, rec.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("opening attachment blob: %w", err)
	}
	pr, pw := io.Pipe()
	go func() {
		defer sealed.Close()
		pw.CloseWithError(s.crypto.DecryptStream(ctx, pw, sealed))
	}()
	return rec, pr, nil
}

// SignedURL mints an unauthenticated download path valid for the given
// duration. The token covers the attachment id and expiry and stays
// valid across key rotation while the minting key is live.
func (s *Service) SignedURL(id core.ID, fileName string, validFor time.Duration) (string, error) {
	expires := time.Now().UTC().Add(validFor).Unix()
	tag, err := s.crypto.SignPayload(signingPayload(id, expires))
	if err != nil {
		return "", fmt.Errorf("signing download url: %w", err)
	}
	sig := base64.RawURLEncoding.EncodeToString(tag)
	if fileName == "" {
		fileName = "attachment"
	}
	token := fmt.Sprintf("%s.%d.%s", id, expires, sig)
	return fmt.Sprintf("/v1/attachments/download/%s/%s", token, url.PathEscape(fileName)), nil
}

// ParseDownloadToken splits a download token into its id, expiry, and
// signature parts. Malformed tokens fail as access denied so probing
// reveals nothing.
func ParseDownloadToken(token string) (core.ID, int64, string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", 0, "", core.AccessDeniedError("malformed download token")
	}
	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", core.AccessDeniedError("malformed download token")
	}
	return core.ID(parts[0]), expires, parts[2], nil
}

// VerifySignature checks a signed download request.
func (s *Service) VerifySignature(id core.ID, expires int64, sig string) error {
	if time.Now().UTC().Unix() > expires {
		return core.AccessDeniedError("download link expired")
	}
	tag, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return core.AccessDeniedError("malformed signature")
	}
	ok, err := s.crypto.VerifyPayload(signingPayload(id, expires), tag)
	if err != nil {
		return fmt.Errorf("verifying signature: %w", err)
	}
	if !ok {
		return core.AccessDeniedError("invalid signature")
	}
	return nil
}

// Delete removes the blob and then the record.
func (s *Service) Delete(ctx context.Context, id core.ID) error {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading attachment: %w", err)
	}
	if rec == nil {
		return core.NotFoundError("attachment not found")
	}
	if err := s.blobs.Delete(ctx, rec.StorageKey); err != nil {
		return fmt.Errorf("deleting attachment blob: %w", err)
	}
	if err := s.repo.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("deleting attachment record: %w", err)
	}
	return nil
}

// Sweep deletes expired attachments, blob first so a crash leaves a
// record pointing at nothing rather than an orphaned blob.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.repo.ListExpired(ctx, now, defaultSweepBatch)
	if err != nil {
		return 0, fmt.Errorf("listing expired attachments: %w", err)
	}
	deleted := 0
	for _, rec := range expired {
		if err := s.blobs.Delete(ctx, rec.StorageKey); err != nil {
			logger.FromContext(ctx).Warn("attachment blob delete failed, will retry next sweep",
				"attachment_id", rec.ID, "error", err)
			continue
		}
		if err := s.repo.Delete(ctx, rec.ID); err != nil {
			return deleted, fmt.Errorf("deleting attachment record: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

func signingPayload(id core.ID, expires int64) []byte {
	return []byte(string(id) + "\n" + strconv.FormatInt(expires, 10))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
