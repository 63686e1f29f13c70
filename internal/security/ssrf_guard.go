package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// SSRFGuardService は外向きHTTP通信の安全性確保のインターフェース。
// メールAPIエンドポイントと記事フィードURLは設定値であり、
// 誤設定や改ざんで内部ネットワークへ到達しないよう検証する。
type SSRFGuardService interface {
	// NewSafeClient はプライベートIP、ループバック、リンクローカル宛ての
	// 接続をDialerレベルで拒否するHTTPクライアントを生成する。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateURL はDNS解決を伴わない静的なURL検証を行う。
	ValidateURL(rawURL string) error
}

// allowedSchemes は外向き通信で許可するURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedPrefixes は静的検証で拒否するアドレス範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct {
	allowedPorts []int
}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
// 許可ポートは80と443。
func NewSSRFGuard() *ssrfGuard {
	return &ssrfGuard{allowedPorts: []int{80, 443}}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを返す。
// DNS解決後のIPアドレスもDialerのControlフックで検証される。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はURLのスキーム、ホスト、ポートを検証する。
// ホストがIPリテラルの場合はプライベート範囲を拒否する。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if !slices.Contains(allowedSchemes, strings.ToLower(parsed.Scheme)) {
		return fmt.Errorf("disallowed scheme: %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	switch {
	case host == "":
		return fmt.Errorf("empty host in URL: %s", rawURL)
	case strings.EqualFold(host, "localhost"), strings.HasSuffix(strings.ToLower(host), ".localhost"):
		return fmt.Errorf("blocked host: %s", host)
	}

	if p := parsed.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || !slices.Contains(g.allowedPorts, port) {
			return fmt.Errorf("disallowed port: %s", p)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		for _, prefix := range blockedPrefixes {
			if prefix.Contains(addr) {
				return fmt.Errorf("blocked IP address: %s", addr)
			}
		}
	}

	return nil
}
