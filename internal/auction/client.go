// Package auction reads lots and their photo galleries from the SK Car
// Rental export auction API.
package auction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	logx "carposter/pkg/logx"
)

const (
	DefaultAPIURL    = "https://export.skcarrental.com/skr/common/uscr-chnl-comm-bff/open/get/expt-pauc"
	DefaultImageHost = "https://export.skcarrental.com/skr/common/comm-img-srvr"
	DefaultSiteURL   = "https://export.skcarrental.com"

	DefaultListTimeout  = 30 * time.Second
	DefaultPhotoTimeout = 10 * time.Second
	DefaultPageSize     = 100

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// maxPages stops a listing whose total never converges.
	maxPages = 200

	codeNotFound = 20000
)

// ErrNotFound is returned by ListLots when the auction does not exist.
var ErrNotFound = errors.New("auction not found")

// Lot is one car listed in an auction. JSON names match the web UI.
type Lot struct {
	ID        string `json:"uscrId"`
	AuctionID string `json:"uscrPaucScheId"`
	ExhibitNo string `json:"paucXhbtNo"`
	PlateNo   string `json:"carNo"`
	Name      string `json:"carEnNm"`
	Year      string `json:"carYtiw"`
	VIN       string `json:"vino"`
	Link      string `json:"link"`
	Mileage   int64  `json:"trvlDist"`
	Grade     string `json:"grade"`
}

type Config struct {
	APIURL       string
	ImageHost    string
	SiteURL      string
	ListTimeout  time.Duration
	PhotoTimeout time.Duration
	PageSize     int
	UserAgent    string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.APIURL) == "" {
		c.APIURL = DefaultAPIURL
	}
	if strings.TrimSpace(c.ImageHost) == "" {
		c.ImageHost = DefaultImageHost
	}
	if strings.TrimSpace(c.SiteURL) == "" {
		c.SiteURL = DefaultSiteURL
	}
	if c.ListTimeout <= 0 {
		c.ListTimeout = DefaultListTimeout
	}
	if c.PhotoTimeout <= 0 {
		c.PhotoTimeout = DefaultPhotoTimeout
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = defaultUserAgent
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	c.ImageHost = strings.TrimRight(c.ImageHost, "/")
	c.SiteURL = strings.TrimRight(c.SiteURL, "/")
	return c
}

// Client is safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

// New returns a client. A nil httpClient uses a dedicated client; timeouts
// are applied per request from cfg.
func New(cfg Config, httpClient *http.Client, log logx.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{cfg: cfg.withDefaults(), http: httpClient, log: log}
}

// envelope is the common response shape of the auction API.
type envelope struct {
	Result  int             `json:"result"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"body"`
}

func (e envelope) ok() bool {
	b := bytes.TrimSpace(e.Body)
	return e.Result == 0 && e.Code == 0 && len(b) > 0 && !bytes.Equal(b, []byte("null"))
}

type listBody struct {
	Total int      `json:"total"`
	List  []rawLot `json:"list"`
}

type rawLot struct {
	ID        flexString `json:"uscrId"`
	AuctionID flexString `json:"uscrPaucScheId"`
	ExhibitNo flexString `json:"paucXhbtNo"`
	PlateNo   flexString `json:"carNo"`
	EnName    flexString `json:"carEnNm"`
	Name      flexString `json:"carNm"`
	Year      flexString `json:"carYtiw"`
	VIN       flexString `json:"vino"`
	Mileage   flexString `json:"trvlDist"`
	Grade     flexString `json:"aprGrad"`
}

type photoEntry struct {
	Path string `json:"fileUadr"`
}

// PhotoURLs returns the gallery of a lot in display order. An API-level
// refusal or an empty gallery yields an empty list and no error.
func (c *Client) PhotoURLs(ctx context.Context, lotID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PhotoTimeout)
	defer cancel()

	q := url.Values{"langCd": {"en"}, "uscrId": {lotID}}
	var env envelope
	if err := c.getJSON(ctx, c.cfg.APIURL+"/car-img", q, &env); err != nil {
		return nil, fmt.Errorf("photos %s: %w", lotID, err)
	}
	if env.Result != 0 || !env.ok() {
		return nil, nil
	}
	var entries []photoEntry
	if err := json.Unmarshal(env.Body, &entries); err != nil {
		return nil, fmt.Errorf("photos %s: decode body: %w", lotID, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Path == "" {
			continue
		}
		out = append(out, c.cfg.ImageHost+e.Path)
	}
	return out, nil
}

// ListLots pages through an auction. A failure after the first page returns
// the lots collected so far.
func (c *Client) ListLots(ctx context.Context, auctionID string) ([]Lot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ListTimeout)
	defer cancel()

	var lots []Lot
	for page := 0; page < maxPages; page++ {
		var env envelope
		err := c.getJSON(ctx, c.cfg.APIURL+"/car/list", c.listQuery(auctionID, page), &env)
		if err != nil {
			if len(lots) == 0 {
				return nil, fmt.Errorf("list %s page %d: %w", auctionID, page, err)
			}
			c.log.Warn("auction listing interrupted", logx.String("auction", auctionID), logx.Int("page", page), logx.Err(err))
			return lots, nil
		}
		if !env.ok() {
			if env.Code == codeNotFound {
				c.log.Warn("auction not found or empty", logx.String("auction", auctionID))
				if len(lots) == 0 {
					return nil, ErrNotFound
				}
				return lots, nil
			}
			c.log.Warn("auction api error",
				logx.String("auction", auctionID),
				logx.Int("result", env.Result),
				logx.Int("code", env.Code),
				logx.String("message", env.Message))
			if len(lots) == 0 {
				return nil, fmt.Errorf("list %s: api result=%d code=%d: %s", auctionID, env.Result, env.Code, env.Message)
			}
			return lots, nil
		}

		var body listBody
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return lots, fmt.Errorf("list %s page %d: decode body: %w", auctionID, page, err)
		}
		c.log.Debug("auction page received",
			logx.String("auction", auctionID),
			logx.Int("page", page),
			logx.Int("items", len(body.List)),
			logx.Int("total", body.Total))
		if len(body.List) == 0 {
			break
		}
		for _, raw := range body.List {
			if lot, ok := c.toLot(auctionID, raw); ok {
				lots = append(lots, lot)
			}
		}
		if len(lots) >= body.Total || len(body.List) < c.cfg.PageSize {
			break
		}
	}
	return lots, nil
}

// DetailURL links to the public lot page.
func (c *Client) DetailURL(auctionID, lotID string) string {
	return fmt.Sprintf("%s/exptpauc/ExptPaucDetail/%s/%s/1", c.cfg.SiteURL, url.PathEscape(auctionID), url.PathEscape(lotID))
}

func (c *Client) toLot(auctionID string, raw rawLot) (Lot, bool) {
	id := string(raw.ID)
	if id == "" {
		return Lot{}, false
	}
	lot := Lot{
		ID:        id,
		AuctionID: orDefault(string(raw.AuctionID), auctionID),
		ExhibitNo: orDefault(string(raw.ExhibitNo), "Unknown"),
		PlateNo:   string(raw.PlateNo),
		Name:      string(raw.EnName),
		Year:      string(raw.Year),
		VIN:       string(raw.VIN),
		Link:      c.DetailURL(auctionID, id),
		Grade:     string(raw.Grade),
	}
	if lot.Name == "" {
		lot.Name = orDefault(string(raw.Name), "No Name")
	}
	if n, err := strconv.ParseFloat(string(raw.Mileage), 64); err == nil {
		lot.Mileage = int64(n)
	}
	return lot, true
}

func (c *Client) listQuery(auctionID string, page int) url.Values {
	return url.Values{
		"langCd":         {"en"},
		"uscrPaucScheId": {auctionID},
		"srchInputText":  {""},
		"carGbnlist":     {""},
		"uscrMakrIdList": {""},
		"minTrvlDist":    {"0"},
		"maxTrvlDist":    {"9999999999"},
		"minCarYtiw":     {"0"},
		"maxCarYtiw":     {"9999"},
		"sortOrdrCd":     {"A"},
		"uscrAfcoId":     {"undefined"},
		"chkBidYn":       {""},
		"irstCarYn":      {"N"},
		"paucChnlCd":     {"X61501"},
		"carNm":          {""},
		"limit":          {strconv.Itoa(c.cfg.PageSize)},
		"offset":         {strconv.Itoa(page)},
	}
}

func (c *Client) getJSON(ctx context.Context, endpoint string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", c.cfg.SiteURL+"/")
	req.Header.Set("Origin", c.cfg.SiteURL)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(out)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// flexString accepts JSON strings, numbers and null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*f = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	default:
		*f = flexString(b)
	}
	return nil
}
