package main

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/Ayash-Bera/agregador/internal/config"
	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/sources"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

const userAgent = "agregador-probe/1.0"

// Target is one endpoint of one source to probe.
type Target struct {
	Source   string
	Endpoint string
	URL      string
	// Header carries the source credential, if any.
	Header string
	Value  string
}

type ProbeResult struct {
	Source     string
	Endpoint   string
	Status     models.SourceStatus
	StatusCode int
	Elapsed    time.Duration
	Error      string
}

// TargetsFor lists the probe endpoints of the named sources, or of every
// enabled source when names is empty.
func TargetsFor(cfg *config.Config, names []string, credentialHeaders map[string]string) []Target {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var targets []Target
	for _, name := range cfg.SourceNames() {
		sc := cfg.Sources[name]
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		if len(wanted) == 0 && !sc.Enabled {
			continue
		}
		for _, path := range sc.ProbePaths {
			t := Target{Source: name, Endpoint: path, URL: sc.BaseURL + path}
			if header := credentialHeaders[name]; header != "" && sc.Credential != "" {
				t.Header, t.Value = header, sc.Credential
			}
			targets = append(targets, t)
		}
	}
	return targets
}

// Prober visits source endpoints through a rate-limited collector.
type Prober struct {
	parallelism int
	delay       time.Duration
	timeout     time.Duration
	logger      *logrus.Logger
}

func NewProber(parallelism int, delay, timeout time.Duration, logger *logrus.Logger) *Prober {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Prober{parallelism: parallelism, delay: delay, timeout: timeout, logger: logger}
}

// Run probes every target and returns one result per target, ordered by
// source and endpoint.
func (p *Prober) Run(targets []Target) []ProbeResult {
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.Async(true),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(p.timeout)

	hosts := make(map[string]bool)
	for _, t := range targets {
		if u, err := url.Parse(t.URL); err == nil {
			hosts[u.Host] = true
		}
	}
	for host := range hosts {
		// One rule per upstream host so each source keeps its own pace.
		if err := c.Limit(&colly.LimitRule{
			DomainGlob:  host,
			Parallelism: p.parallelism,
			Delay:       p.delay,
		}); err != nil {
			p.logger.WithError(err).WithField("host", host).Warn("Failed to set limit rule")
		}
	}

	var (
		mu      sync.Mutex
		results []ProbeResult
	)
	record := func(r *colly.Request, code int, err error) {
		started, _ := r.Ctx.GetAny("started").(time.Time)
		res := ProbeResult{
			Source:     r.Ctx.Get("source"),
			Endpoint:   r.Ctx.Get("endpoint"),
			StatusCode: code,
			Elapsed:    time.Since(started),
		}
		switch {
		case code != 0:
			res.Status = sources.StatusFromHTTP(code)
		case err != nil:
			res.Status = transportStatus(err)
		default:
			res.Status = models.StatusOK
		}
		if err != nil && res.Status != models.StatusOK {
			res.Error = err.Error()
		}

		p.logger.WithFields(logrus.Fields{
			"source":      res.Source,
			"endpoint":    res.Endpoint,
			"status":      res.Status,
			"status_code": res.StatusCode,
		}).Debug("Endpoint probed")

		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}

	c.OnRequest(func(r *colly.Request) {
		r.Ctx.Put("started", time.Now())
	})
	c.OnResponse(func(r *colly.Response) {
		record(r.Request, r.StatusCode, nil)
	})
	c.OnError(func(r *colly.Response, err error) {
		record(r.Request, r.StatusCode, err)
	})

	for _, t := range targets {
		ctx := colly.NewContext()
		ctx.Put("source", t.Source)
		ctx.Put("endpoint", t.Endpoint)
		hdr := http.Header{}
		hdr.Set("Accept", "application/json")
		if t.Header != "" {
			hdr.Set(t.Header, t.Value)
		}
		if err := c.Request(http.MethodGet, t.URL, nil, ctx, hdr); err != nil {
			mu.Lock()
			results = append(results, ProbeResult{
				Source:   t.Source,
				Endpoint: t.Endpoint,
				Status:   models.StatusBadRequest,
				Error:    err.Error(),
			})
			mu.Unlock()
		}
	}
	c.Wait()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Source != results[j].Source {
			return results[i].Source < results[j].Source
		}
		return results[i].Endpoint < results[j].Endpoint
	})
	return results
}

func transportStatus(err error) models.SourceStatus {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.StatusTimeout
	}
	return models.StatusServerError
}

// ToHealth converts a probe result into a health record.
func (r ProbeResult) ToHealth() *models.SourceHealth {
	return &models.SourceHealth{
		SourceName:     r.Source,
		Endpoint:       r.Endpoint,
		Status:         r.Status,
		StatusCode:     r.StatusCode,
		ResponseTimeMs: int(r.Elapsed.Milliseconds()),
		ErrorMessage:   r.Error,
		CheckedAt:      time.Now().UTC(),
	}
}
