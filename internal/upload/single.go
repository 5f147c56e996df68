package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// UploadSingle stores a whole file in one request. It goes through the same
// commit as CompleteUpload, so identical bytes dedup the same way on either
// path. When fileType is empty it is sniffed from the first bytes.
func (s *Service) UploadSingle(ctx context.Context, r io.Reader, fileName, fileType, userID string) (*model.Completion, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidTask)
	}
	if fileName == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrInvalidTask)
	}
	path, sniffed, err := s.stage(ctx, r)
	if err != nil {
		return nil, err
	}
	if fileType == "" {
		fileType = sniffed
	}
	meta := model.TaskMeta{UserID: userID, FileName: fileName, FileType: fileType}
	return s.commit(ctx, meta, path, pathSingle)
}

// stage streams r into the staging directory, enforcing MaxFileSize.
func (s *Service) stage(ctx context.Context, r io.Reader) (path, contentType string, err error) {
	if err := os.MkdirAll(s.cfg.StagingDir, 0o750); err != nil {
		return "", "", fmt.Errorf("create staging dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.cfg.StagingDir, ".single-*")
	if err != nil {
		return "", "", fmt.Errorf("create staging file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				return "", "", fmt.Errorf("%w: file exceeds limit (%d bytes)", ErrInvalidTask, s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				sniff = append(sniff, buf[:min(n, 512-len(sniff))]...)
			}
			if _, err := tmp.Write(buf[:n]); err != nil {
				return "", "", fmt.Errorf("write staging file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return "", "", fmt.Errorf("read upload: %w", readErr)
		}
	}
	if written == 0 {
		return "", "", fmt.Errorf("%w: empty file", ErrInvalidTask)
	}
	if err := tmp.Sync(); err != nil {
		return "", "", fmt.Errorf("sync staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", fmt.Errorf("close staging file: %w", err)
	}
	return tmp.Name(), http.DetectContentType(sniff), nil
}
