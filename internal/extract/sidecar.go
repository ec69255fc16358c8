package extract

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/resilience"
	"github.com/sells-group/specfactory/pkg/sidecar"
)

// SidecarSurface wraps the structured-metadata sidecar with a bounded
// response cache and fail-open error handling. A page whose HTML hash was
// parsed before never hits the service again within one process.
type SidecarSurface struct {
	client sidecar.Client

	mu    sync.Mutex
	cache map[string]*sidecar.ParseResponse
	order []string
	size  int
}

// NewSidecarSurface builds the surface. A nil client disables it.
func NewSidecarSurface(client sidecar.Client, cacheSize int) *SidecarSurface {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	return &SidecarSurface{
		client: client,
		cache:  make(map[string]*sidecar.ParseResponse, cacheSize),
		size:   cacheSize,
	}
}

// Parse returns the sidecar surfaces for the page, or nil when the surface
// is disabled or the sidecar failed. Failures are logged and skipped, never
// cached; the sidecar must not block a run.
func (s *SidecarSurface) Parse(ctx context.Context, pageURL, pageHTML string) *sidecar.ParseResponse {
	if s.client == nil || pageHTML == "" {
		return nil
	}
	key := model.HashText(pageHTML)

	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return cached
	}

	cfg := resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: 300 * time.Millisecond,
		OnRetry:        resilience.RetryLogger("sidecar", "parse"),
	}
	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*sidecar.ParseResponse, error) {
		return s.client.Parse(ctx, sidecar.ParseRequest{URL: pageURL, HTML: pageHTML})
	})
	if err != nil {
		zap.L().Warn("extract: sidecar parse failed, skipping surface",
			zap.String("url", pageURL),
			zap.Error(err),
		)
		return nil
	}

	s.mu.Lock()
	if _, exists := s.cache[key]; !exists {
		s.cache[key] = resp
		s.order = append(s.order, key)
		if len(s.order) > s.size {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.cache, oldest)
		}
	}
	s.mu.Unlock()
	return resp
}
