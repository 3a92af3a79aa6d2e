// Package collyfetcher implements crawler.Fetcher using gocolly for transport
// and goquery for listing extraction.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/listingwatch/internal/crawler"
)

// DefaultTimeout bounds a single page request.
const DefaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Selectors Selectors
}

// PageArchiver stores the raw body of fetched pages.
type PageArchiver interface {
	SaveHTML(ctx context.Context, pageURL string, body []byte) (string, error)
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	archiver      PageArchiver
	logger        *zap.Logger
}

var _ crawler.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithArchiver stores every successfully fetched page body.
func WithArchiver(a PageArchiver) Option {
	return func(f *Fetcher) { f.archiver = a }
}

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		if rt != nil {
			f.transport = rt
		}
	}
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Selectors = cfg.Selectors.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	// Result pages are revisited every cycle.
	c.AllowURLRevisit = true

	f := &Fetcher{
		cfg:           cfg,
		transport:     newHTTPTransport(),
		baseCollector: c,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type response struct {
	finalURL   string
	statusCode int
	body       []byte
	err        error
}

// Fetch retrieves one result page and extracts its listings. The request is
// not interrupted once started; ctx is only checked before it is issued.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.Page, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Page{}, err
	}
	var res response
	collector := f.buildCollector(request, &res)

	if err := collector.Visit(request.URL); err != nil && res.err == nil {
		res.err = err
	}
	if res.err != nil {
		return crawler.Page{}, &crawler.FetchError{URL: request.URL, StatusCode: res.statusCode, Err: res.err}
	}
	if res.statusCode < 200 || res.statusCode > 299 {
		return crawler.Page{}, &crawler.FetchError{
			URL:        request.URL,
			StatusCode: res.statusCode,
			Err:        errors.New(http.StatusText(res.statusCode)),
		}
	}

	pageURL := res.finalURL
	if pageURL == "" {
		pageURL = request.URL
	}
	f.archive(ctx, pageURL, res.body)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.body))
	if err != nil {
		return crawler.Page{}, &crawler.ParseError{URL: pageURL, Reason: fmt.Sprintf("read html: %v", err)}
	}
	listings, err := ParseListings(doc, pageURL, f.cfg.Selectors)
	if err != nil {
		return crawler.Page{}, err
	}
	return crawler.Page{URL: pageURL, Listings: listings}, nil
}

func (f *Fetcher) archive(ctx context.Context, pageURL string, body []byte) {
	if f.archiver == nil {
		return
	}
	uri, err := f.archiver.SaveHTML(ctx, pageURL, body)
	if err != nil {
		f.logger.Warn("failed to archive page", zap.String("url", pageURL), zap.Error(err))
		return
	}
	f.logger.Debug("page archived", zap.String("url", pageURL), zap.String("uri", uri))
}

func (f *Fetcher) buildCollector(request crawler.FetchRequest, res *response) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	f.configureCollectorHooks(collector, request, res)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, request crawler.FetchRequest, res *response) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		res.statusCode = r.StatusCode
		res.body = append([]byte(nil), r.Body...)
		if r.Request != nil && r.Request.URL != nil {
			res.finalURL = r.Request.URL.String()
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.statusCode = r.StatusCode
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		res.err = err
	})
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
