package credentials

import (
	"errors"
	"sync"
	"time"

	"github.com/DougAnsonAustinTX/pelion-bridge/common"
)

// Refresher keeps a shared SAS token fresh on a fixed schedule.
//
// A single long-lived goroutine re-creates the token every interval until
// Stop is called. Sessions read the current token via Token; sessions that
// are already connected keep their pre-refresh token until they reconnect.
type Refresher struct {
	mu    sync.RWMutex
	token string

	creds    *Credentials
	validity time.Duration
	interval time.Duration

	startOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	logger    common.Logger
}

// NewRefresher creates a Refresher from parsed credentials and generates
// the initial token. interval must be shorter than validity.
func NewRefresher(creds *Credentials, validity, interval time.Duration, logger common.Logger) (*Refresher, error) {
	if creds == nil {
		return nil, errors.New("credentials are nil")
	}
	if interval >= validity {
		return nil, errors.New("refresh interval must be shorter than token validity")
	}
	tok, err := creds.GenerateToken(creds.HostName, WithDuration(validity))
	if err != nil {
		return nil, err
	}
	return &Refresher{
		token:    tok,
		creds:    creds,
		validity: validity,
		interval: interval,
		done:     make(chan struct{}),
		logger:   logger,
	}, nil
}

// NewStaticRefresher wraps a pre-supplied shared secret.
// Start is a no-op for a static token.
func NewStaticRefresher(token string, logger common.Logger) *Refresher {
	return &Refresher{
		token:  token,
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Token returns the current token.
func (r *Refresher) Token() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// Start launches the refresh worker. Safe to call once per Refresher.
func (r *Refresher) Start() {
	if r.creds == nil {
		return // static token, nothing to refresh
	}
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop()
	})
}

func (r *Refresher) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tok, err := r.creds.GenerateToken(r.creds.HostName, WithDuration(r.validity))
			if err != nil {
				// keep the previous token, retry on the next tick
				r.logger.Warnf("credentials: token refresh failed: %s", err)
				continue
			}
			r.mu.Lock()
			r.token = tok
			r.mu.Unlock()
			r.logger.Infof("credentials: SAS token refreshed for %s", r.creds.HubName())
		case <-r.done:
			return
		}
	}
}

// Stop halts the refresh worker and waits for it to exit.
func (r *Refresher) Stop() {
	select {
	case <-r.done:
		return
	default:
		close(r.done)
	}
	r.wg.Wait()
}
