package charon

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/meigma/charon/core"
	"github.com/meigma/charon/internal/sizing"
)

// Handler receives the outbound events of requests.
//
// For every admitted request exactly one of RequestCompleted or RequestError
// is called. RequestData is called once per successfully read virtual path,
// in request order, always before the terminal event. Calls for different
// requests may happen concurrently.
type Handler interface {
	// RequestData delivers the content of one virtual path. The map holds
	// exactly one entry and must not be modified.
	RequestData(id string, data map[string][]byte)

	// RequestCompleted reports that every virtual path was delivered.
	RequestCompleted(id string)

	// RequestError reports that the request failed or was canceled.
	RequestError(id, message string)
}

// job is one request: a file and the ordered virtual paths to read from it.
type job struct {
	id           string
	filePath     string
	virtualPaths []string
	svc          *Service
}

func (j *job) log() *slog.Logger {
	return j.svc.log().With("request", j.id, "file", j.filePath)
}

// execute runs the request to its terminal event.
//
// The file is opened read-only through the service's opener and each virtual
// path is read fully and delivered before the next one is touched. The first
// failure stops the request; data already delivered stands. The container is
// closed before the terminal event is emitted.
func (j *job) execute() error {
	err := j.run()
	if err != nil {
		j.log().Info("request failed", "error", err)
		j.svc.handler.RequestError(j.id, err.Error())
		return err
	}
	j.log().Info("request completed", "paths", len(j.virtualPaths))
	j.svc.handler.RequestCompleted(j.id)
	return nil
}

func (j *job) run() (err error) {
	fi, err := j.svc.opener.Open(j.filePath, core.ReadOnly)
	if err != nil {
		return fmt.Errorf("open %s: %w", j.filePath, err)
	}
	defer func() {
		if closeErr := fi.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close %s: %w", j.filePath, closeErr))
		}
	}()

	for _, vp := range j.virtualPaths {
		data, err := j.read(fi, vp)
		if err != nil {
			return err
		}
		j.log().Debug("entry read", "path", vp, "size", len(data))
		j.svc.handler.RequestData(j.id, map[string][]byte{vp: data})
	}
	return nil
}

// read returns the full content of vp, from the cache when possible.
func (j *job) read(fi core.FileInterface, vp string) ([]byte, error) {
	if j.svc.cache != nil {
		if stater, ok := fi.(core.Stater); ok {
			info, err := stater.Stat(vp)
			if err == nil && j.svc.fitsCache(info) {
				return j.svc.readCached(fi, j.filePath, info, vp)
			}
			// Stat failures are reported by the stream; oversized entries skip the cache.
		}
	}
	return j.svc.readStream(fi, vp)
}

// readStream reads vp fully through a stream, enforcing the entry size limit.
func (s *Service) readStream(fi core.FileInterface, vp string) ([]byte, error) {
	stream, err := fi.GetStream(vp)
	if err != nil {
		return nil, err
	}
	data, err := sizing.ReadAllWithLimit(stream, s.maxEntrySize, ErrEntryTooLarge)
	closeErr := stream.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", vp, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("read %s: %w", vp, closeErr)
	}
	return data, nil
}
