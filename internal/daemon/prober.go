package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pinwarden/pinwarden/internal/models"
)

// Prober issues bounded-timeout HTTP probes against a cluster status API.
type Prober struct {
	client *http.Client
}

// NewProber creates a prober. A zero timeout defaults to 5s.
func NewProber(timeout time.Duration) *Prober {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Prober{client: &http.Client{Timeout: timeout}}
}

func (p *Prober) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return resp, nil
}

// Identity fetches /id, the liveness and identity probe.
func (p *Prober) Identity(ctx context.Context, baseURL string) (models.DaemonIdentity, error) {
	resp, err := p.get(ctx, baseURL+"/id")
	if err != nil {
		return models.DaemonIdentity{}, err
	}
	defer resp.Body.Close()

	var identity models.DaemonIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return models.DaemonIdentity{}, fmt.Errorf("decoding identity: %w", err)
	}
	return identity, nil
}

// PinCount fetches /pins and counts the returned descriptors. The endpoint
// answers either a JSON array or newline-delimited objects depending on the
// binary version.
func (p *Prober) PinCount(ctx context.Context, baseURL string) (int, error) {
	resp, err := p.get(ctx, baseURL+"/pins")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var pins []json.RawMessage
	if err := json.Unmarshal(body, &pins); err == nil {
		return len(pins), nil
	}
	count := 0
	for _, line := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count, nil
}

// Healthy probes /health, falling back to /id for binaries without a
// dedicated health endpoint.
func (p *Prober) Healthy(ctx context.Context, baseURL string) bool {
	if resp, err := p.get(ctx, baseURL+"/health"); err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return true
	}
	if _, err := p.Identity(ctx, baseURL); err == nil {
		return true
	}
	return false
}

// LeaderReachable derives the leader's API URL from its bootstrap multiaddr
// and probes its identity endpoint.
func (p *Prober) LeaderReachable(ctx context.Context, bootstrapPeer string, leaderAPIPort int) bool {
	host := hostFromMultiaddr(bootstrapPeer)
	if host == "" {
		return false
	}
	_, err := p.Identity(ctx, fmt.Sprintf("http://%s:%d", host, leaderAPIPort))
	return err == nil
}

// hostFromMultiaddr extracts the host from a multiaddr such as
// /ip4/10.0.0.5/tcp/9096/p2p/Qm....
func hostFromMultiaddr(addr string) string {
	parts := strings.Split(strings.TrimPrefix(addr, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		switch parts[i] {
		case "ip4", "ip6", "dns4", "dns6", "dns":
			return parts[i+1]
		}
	}
	return ""
}
