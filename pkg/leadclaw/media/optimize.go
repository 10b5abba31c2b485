// Package media prepares outbound media: it rewrites CDN delivery URLs into
// size-capped variants and fetches remote files for transports that need
// the raw bytes.
package media

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// OptimizeConfig controls the delivery hints injected into CDN URLs.
type OptimizeConfig struct {
	// Enabled turns URL rewriting on.
	Enabled bool `yaml:"enabled"`

	// Format is the target format hint ("auto" lets the CDN choose).
	Format string `yaml:"format"`

	// Quality is the quality hint ("auto" or 1-100).
	Quality string `yaml:"quality"`

	// Width caps the delivered width in pixels (0 = no cap).
	Width int `yaml:"width"`
}

// DefaultOptimizeConfig returns defaults suited to WhatsApp previews.
func DefaultOptimizeConfig() OptimizeConfig {
	return OptimizeConfig{
		Enabled: true,
		Format:  "auto",
		Quality: "auto",
		Width:   1080,
	}
}

// transformSegment matches a Cloudinary transformation path segment such as
// "f_auto,q_auto,w_1080" or "c_fill,h_300".
var transformSegment = regexp.MustCompile(`^[a-z]{1,3}_[^/,]+(,[a-z]{1,3}_[^/,]+)*$`)

// Optimizer rewrites media URLs. It performs no network I/O.
type Optimizer struct {
	cfg       OptimizeConfig
	transform string
}

// NewOptimizer creates an optimizer for cfg.
func NewOptimizer(cfg OptimizeConfig) *Optimizer {
	var parts []string
	if cfg.Format != "" {
		parts = append(parts, "f_"+cfg.Format)
	}
	if cfg.Quality != "" {
		parts = append(parts, "q_"+cfg.Quality)
	}
	if cfg.Width > 0 {
		parts = append(parts, "w_"+strconv.Itoa(cfg.Width))
	}
	return &Optimizer{cfg: cfg, transform: strings.Join(parts, ",")}
}

// Optimize returns raw with delivery hints inserted after "/upload/" for
// Cloudinary URLs that carry no transformation yet. Any other URL, and any
// URL that already has a transformation, is returned unchanged, so applying
// Optimize twice yields the same result as applying it once.
func (o *Optimizer) Optimize(raw string) string {
	if !o.cfg.Enabled || o.transform == "" {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil || !strings.HasSuffix(u.Hostname(), "cloudinary.com") {
		return raw
	}

	const marker = "/upload/"
	idx := strings.Index(u.Path, marker)
	if idx < 0 {
		return raw
	}
	rest := u.Path[idx+len(marker):]
	next, _, _ := strings.Cut(rest, "/")
	if transformSegment.MatchString(next) {
		return raw
	}

	u.Path = u.Path[:idx+len(marker)] + o.transform + "/" + rest
	u.RawPath = ""
	return u.String()
}

// OptimizeAll applies Optimize to every URL, preserving order.
func (o *Optimizer) OptimizeAll(urls []string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = o.Optimize(u)
	}
	return out
}
