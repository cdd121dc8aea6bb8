package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// VPNProvider answers whether an IP belongs to a VPN, proxy, or hosting
// range. Providers are consulted in order; the first definitive answer wins.
type VPNProvider interface {
	Name() string
	Check(ctx context.Context, ip string) (bool, error)
}

// vpnCacheTTL bounds how long a provider verdict is reused.
const vpnCacheTTL = time.Hour

// providerTimeout is the hard ceiling on any single provider call.
const providerTimeout = 5 * time.Second

// VPNDetector wraps a provider hierarchy with caching and fail-open
// semantics: when every provider errors or times out, the answer is
// "not VPN".
type VPNDetector struct {
	providers []VPNProvider
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]vpnVerdict
}

type vpnVerdict struct {
	isVPN   bool
	expires time.Time
}

// NewVPNDetector builds the default hierarchy: the paid API when a key is
// configured, the free endpoint next, and the static CIDR heuristic last.
func NewVPNDetector(apiKey string, client *http.Client) *VPNDetector {
	if client == nil {
		client = &http.Client{Timeout: providerTimeout}
	}
	var providers []VPNProvider
	if apiKey != "" {
		providers = append(providers, &paidVPNProvider{apiKey: apiKey, client: client})
	}
	providers = append(providers,
		&freeVPNProvider{client: client},
		staticCIDRProvider{},
	)
	return &VPNDetector{
		providers: providers,
		logger:    slog.Default().With("component", "vpn"),
		cache:     make(map[string]vpnVerdict),
	}
}

// Check returns true when any provider flags the IP. Provider failures are
// non-fatal and logged at debug.
func (d *VPNDetector) Check(ctx context.Context, ip string) bool {
	if ip == "" {
		return false
	}
	d.mu.Lock()
	if verdict, ok := d.cache[ip]; ok && time.Now().Before(verdict.expires) {
		d.mu.Unlock()
		return verdict.isVPN
	}
	d.mu.Unlock()

	result := false
	for _, p := range d.providers {
		pctx, cancel := context.WithTimeout(ctx, providerTimeout)
		isVPN, err := p.Check(pctx, ip)
		cancel()
		if err != nil {
			d.logger.DebugContext(ctx, "vpn provider failed", "provider", p.Name(), "error", err)
			continue
		}
		result = isVPN
		break
	}

	d.mu.Lock()
	d.cache[ip] = vpnVerdict{isVPN: result, expires: time.Now().Add(vpnCacheTTL)}
	d.mu.Unlock()
	return result
}

// paidVPNProvider queries a commercial VPN-intelligence API.
type paidVPNProvider struct {
	apiKey string
	client *http.Client
}

func (p *paidVPNProvider) Name() string { return "paid-api" }

func (p *paidVPNProvider) Check(ctx context.Context, ip string) (bool, error) {
	url := fmt.Sprintf("https://vpnapi.io/api/%s?key=%s", ip, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
	var body struct {
		Security struct {
			VPN   bool `json:"vpn"`
			Proxy bool `json:"proxy"`
			Tor   bool `json:"tor"`
		} `json:"security"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Security.VPN || body.Security.Proxy || body.Security.Tor, nil
}

// freeVPNProvider uses the keyless ip-api.com endpoint.
type freeVPNProvider struct {
	client *http.Client
}

func (p *freeVPNProvider) Name() string { return "free-api" }

func (p *freeVPNProvider) Check(ctx context.Context, ip string) (bool, error) {
	url := fmt.Sprintf("http://ip-api.com/json/%s?fields=proxy,hosting,status", ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Proxy   bool   `json:"proxy"`
		Hosting bool   `json:"hosting"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	if body.Status != "success" {
		return false, fmt.Errorf("lookup failed")
	}
	return body.Proxy || body.Hosting, nil
}

// staticCIDRProvider matches against ranges commonly announced by hosting
// providers. It is the offline fallback and never errors.
type staticCIDRProvider struct{}

func (staticCIDRProvider) Name() string { return "static-cidr" }

var hostingCIDRs = func() []*net.IPNet {
	blocks := []string{
		"104.16.0.0/13",    // cloudflare
		"146.70.0.0/16",    // m247
		"185.220.100.0/22", // tor exits
		"45.8.0.0/16",
		"193.29.104.0/22",
	}
	nets := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		if _, n, err := net.ParseCIDR(b); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

func (staticCIDRProvider) Check(_ context.Context, ip string) (bool, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false, nil
	}
	for _, n := range hostingCIDRs {
		if n.Contains(parsed) {
			return true, nil
		}
	}
	return false, nil
}
