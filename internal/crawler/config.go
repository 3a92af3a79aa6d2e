package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Config holds the settings for the crawl engine.
// This struct is decoupled from Viper so the engine can be tested on its own.
type Config struct {
	SearchTemplate  string
	UserAgent       string
	JitterMin       time.Duration
	JitterMax       time.Duration
	Strict          bool
	SponsoredLabels []string
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	var errs []error
	if c.JitterMin < 0 {
		errs = append(errs, fmt.Errorf("jitter min must be >= 0, got %s", c.JitterMin))
	}
	if c.JitterMax < c.JitterMin {
		errs = append(errs, fmt.Errorf("jitter max %s is below jitter min %s", c.JitterMax, c.JitterMin))
	}
	if _, err := NewURLBuilder(c.SearchTemplate); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) headers() http.Header {
	h := http.Header{}
	if c.UserAgent != "" {
		h.Set("User-Agent", c.UserAgent)
	}
	return h
}
