package minerva

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/powerhive/minerctl/pkg/cache"
	"github.com/powerhive/minerctl/pkg/errclass"
	"github.com/powerhive/minerctl/pkg/miner"
	"github.com/powerhive/minerctl/pkg/transport"
)

// MineraModel is the only hardware shipped with the Minera front end.
const MineraModel = "MV7 4Fan"

// errorWindow is how many trailing log lines Errors inspects; the log is
// never rotated.
const errorWindow = 300

// Minera talks to the PHP front end of a four-fan MinerVa. The session is
// a cookie kept in the shared jar.
type Minera struct {
	handle     miner.Handle
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	stats *cache.Cell[*MineraStats]
	pools *cache.Cell[[]miner.Pool]
	logs  *cache.Cell[[]string]
}

// MineraOption configures a Minera client.
type MineraOption func(*Minera)

// WithMineraBaseURL overrides the http://host/index.php/app endpoint root.
func WithMineraBaseURL(url string) MineraOption {
	return func(m *Minera) {
		m.baseURL = strings.TrimSuffix(url, "/")
	}
}

// NewMinera creates a Minera client.
func NewMinera(h miner.Handle, tc *transport.Client, opts ...MineraOption) *Minera {
	m := &Minera{
		handle:     h,
		baseURL:    fmt.Sprintf("http://%s/index.php/app", h.Host),
		httpClient: tc.HTTP(),
		logger:     tc.Logger().With(zap.String("host", h.Host), zap.String("vendor", string(h.Vendor))),
		stats:      cache.New[*MineraStats](),
		pools:      cache.New[[]miner.Pool](),
		logs:       cache.New[[]string](),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Handle returns the device handle.
func (m *Minera) Handle() miner.Handle {
	return m.handle
}

func (m *Minera) invalidateAll() {
	cache.Invalidate(m.stats, m.pools, m.logs)
}

// do sends req and returns the body of a 2xx response.
func (m *Minera) do(req *http.Request) ([]byte, error) {
	resp, err := transport.Do(m.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.Classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &miner.StatusError{StatusCode: resp.StatusCode, Endpoint: req.URL.Path}
	}
	return body, nil
}

func (m *Minera) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return m.do(req)
}

func (m *Minera) post(ctx context.Context, endpoint, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return m.do(req)
}

// Model is fixed; devdetails does not answer while the miner is stopped.
func (m *Minera) Model(context.Context) (string, error) {
	return MineraModel, nil
}

// Authenticate posts the password to the login form. Minera has no user
// names.
func (m *Minera) Authenticate(ctx context.Context, _, password string) error {
	form := url.Values{"password": {password}}
	if _, err := m.post(ctx, "/login", "application/x-www-form-urlencoded", strings.NewReader(form.Encode())); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	m.invalidateAll()
	m.logger.Debug("authenticated")
	return nil
}

// Reboot asks the host to restart. It goes down before answering, so a
// complete response means it did not.
func (m *Minera) Reboot(ctx context.Context) error {
	_, err := m.post(ctx, "/reboot?confirm=1", "", nil)
	if err = miner.RebootResult(err); err != nil {
		return err
	}
	m.invalidateAll()
	return nil
}

// GetStats returns /app/stats.
func (m *Minera) GetStats(ctx context.Context) (*MineraStats, error) {
	return m.stats.Get(ctx, func(ctx context.Context) (*MineraStats, error) {
		body, err := m.get(ctx, "/stats")
		if err != nil {
			return nil, err
		}
		var s MineraStats
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("%w: failed to parse stats: %w", miner.ErrInvalidResponse, err)
		}
		return &s, nil
	})
}

// Hashrate returns the total hashrate in TH/s, zero while stopped.
func (m *Minera) Hashrate(ctx context.Context) (float64, error) {
	s, err := m.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	if !s.Running() {
		return 0, nil
	}
	return s.Totals.Hashrate / 1e12, nil
}

// NameplateRate returns the rated hashrate of the model.
func (m *Minera) NameplateRate(context.Context) (float64, error) {
	r, err := miner.LookupRating(miner.VendorMinera, MineraModel)
	if err != nil {
		return 0, err
	}
	return r.RatedTHs, nil
}

// Power estimates the draw from the hashrate and the rated efficiency.
func (m *Minera) Power(ctx context.Context) (float64, error) {
	hr, err := m.Hashrate(ctx)
	if err != nil {
		return 0, err
	}
	r, err := miner.LookupRating(miner.VendorMinera, MineraModel)
	if err != nil {
		return 0, err
	}
	return miner.EstimatePower(hr, r), nil
}

func (m *Minera) Efficiency(ctx context.Context) (float64, error) {
	power, err := m.Power(ctx)
	if err != nil {
		return 0, err
	}
	hr, err := m.Hashrate(ctx)
	if err != nil {
		return 0, err
	}
	r, err := miner.LookupRating(miner.VendorMinera, MineraModel)
	if err != nil {
		return 0, err
	}
	return miner.EfficiencyOf(power, hr, r), nil
}

// Temperature returns the controller temperature, zero while stopped.
func (m *Minera) Temperature(ctx context.Context) (float64, error) {
	s, err := m.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	if !s.Running() {
		return 0, nil
	}
	return s.Temp, nil
}

// FanSpeeds is empty: the front end only reports the first fan, and not
// reliably.
func (m *Minera) FanSpeeds(context.Context) ([]int, error) {
	return []int{}, nil
}

// Pools scrapes the settings page, which lists pools whether or not the
// miner is running.
func (m *Minera) Pools(ctx context.Context) ([]miner.Pool, error) {
	return m.pools.Get(ctx, func(ctx context.Context) ([]miner.Pool, error) {
		body, err := m.get(ctx, "/settings")
		if err != nil {
			return nil, err
		}
		return ParseSettingsPools(bytes.NewReader(body))
	})
}

// SetPools saves the pool list through the settings form.
func (m *Minera) SetPools(ctx context.Context, pools []miner.Pool) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{{"save_miner_pools", "1"}}
	for _, p := range pools {
		fields = append(fields,
			[2]string{"pool_url[]", p.URL},
			[2]string{"pool_username[]", p.Username},
			[2]string{"pool_password[]", p.PasswordOrEmpty()})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return fmt.Errorf("failed to encode pools: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to encode pools: %w", err)
	}

	if _, err := m.post(ctx, "/settings", w.FormDataContentType(), &buf); err != nil {
		return fmt.Errorf("failed to save pools: %w", err)
	}
	cache.Invalidate(m.pools, m.stats)
	return nil
}

func (m *Minera) Sleep(context.Context) (bool, error) {
	return false, fmt.Errorf("%w: minera sleep", miner.ErrNotSupported)
}

func (m *Minera) SetSleep(context.Context, bool) error {
	return fmt.Errorf("%w: minera sleep", miner.ErrNotSupported)
}

func (m *Minera) Blink(context.Context) (bool, error) {
	return false, fmt.Errorf("%w: minera blink", miner.ErrNotSupported)
}

func (m *Minera) SetBlink(context.Context, bool) error {
	return fmt.Errorf("%w: minera blink", miner.ErrNotSupported)
}

// Logs returns the complete miner log.
func (m *Minera) Logs(ctx context.Context) ([]string, error) {
	return m.logs.Get(ctx, func(ctx context.Context) ([]string, error) {
		body, err := m.get(ctx, "/varLog")
		if err != nil {
			return nil, err
		}
		return strings.Split(strings.TrimRight(string(body), "\n"), "\n"), nil
	})
}

// MAC works whether or not the miner is running.
func (m *Minera) MAC(ctx context.Context) (string, error) {
	s, err := m.GetStats(ctx)
	if err != nil {
		return "", err
	}
	if s.MACAddr != "" {
		return s.MACAddr, nil
	}
	return s.Ifconfig.MAC, nil
}

func (m *Minera) DNS(ctx context.Context) ([]string, error) {
	s, err := m.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return strings.FieldsFunc(s.Ifconfig.DNS, func(r rune) bool { return r == ' ' || r == ',' }), nil
}

// Errors classifies the last errorWindow log lines.
func (m *Minera) Errors(ctx context.Context) ([]string, error) {
	lines, err := m.Logs(ctx)
	if err != nil {
		return nil, err
	}
	if len(lines) > errorWindow {
		lines = lines[len(lines)-errorWindow:]
	}
	return errclass.Classify(strings.Join(lines, "\n"), errclass.Minerva), nil
}

// ParseSettingsPools reads the pool groups inside the .poolSortable
// container of the settings page.
func ParseSettingsPools(r io.Reader) ([]miner.Pool, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse settings page: %w", miner.ErrInvalidResponse, err)
	}

	container := findFirst(doc, func(n *html.Node) bool { return hasClass(n, "poolSortable") })
	if container == nil {
		return nil, fmt.Errorf("%w: settings page has no pool list", miner.ErrInvalidResponse)
	}

	var pools []miner.Pool
	for _, group := range findAll(container, func(n *html.Node) bool { return hasClass(n, "pool-group") }) {
		poolURL, ok := inputValue(group, "pool_url[]")
		if !ok {
			return nil, fmt.Errorf("%w: pool group without url", miner.ErrInvalidResponse)
		}
		user, _ := inputValue(group, "pool_username[]")
		p := miner.Pool{URL: poolURL, Username: user}
		if pass, _ := inputValue(group, "pool_password[]"); pass != "" {
			p.Password = &pass
		}
		pools = append(pools, p)
	}
	return pools, nil
}

func inputValue(n *html.Node, name string) (string, bool) {
	input := findFirst(n, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "input" && attr(n, "name") == name
	})
	if input == nil {
		return "", false
	}
	return attr(input, "value"), true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findFirst(child, match); found != nil {
			return found
		}
	}
	return nil
}

// findAll returns matching descendants without descending into matches.
func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if match(child) {
			out = append(out, child)
			continue
		}
		out = append(out, findAll(child, match)...)
	}
	return out
}

var _ miner.Miner = (*Minera)(nil)
