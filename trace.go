package opctx

import (
	"net/http"
	"runtime"
	"time"
)

// Entry is one recorded step in an operation's trace: an arbitrary
// key/value payload plus the call site that recorded it. Entries are
// append-only and their order is the causal history of the operation.
type Entry struct {
	Values Values
	Site   Site
	At     time.Time
}

// Site identifies the call site that recorded a trace entry.
type Site struct {
	Function string
	File     string
	Line     int
}

// callSite captures the caller skip frames above the caller of
// callSite itself.
func callSite(skip int) Site {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Site{}
	}
	site := Site{File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		site.Function = fn.Name()
	}
	return site
}

// entryJSON is the serialized form of a trace entry. The long form
// carries the payload, the call site and the timestamp; the short form
// keeps the payload only.
type entryJSON struct {
	Values Values    `json:"values"`
	Site   *siteJSON `json:"site,omitempty"`
	At     int64     `json:"at,omitempty"`
}

type siteJSON struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// longEntry renders e in full detail.
func longEntry(e Entry) entryJSON {
	out := entryJSON{
		Values: e.Values,
		At:     e.At.UnixMilli(),
	}
	if e.Site != (Site{}) {
		out.Site = &siteJSON{
			Function: e.Site.Function,
			File:     e.Site.File,
			Line:     e.Site.Line,
		}
	}
	return out
}

// shortEntries renders entries in reduced detail, dropping entries with
// an empty payload.
func shortEntries(entries []Entry) []entryJSON {
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		if len(e.Values) == 0 {
			continue
		}
		out = append(out, entryJSON{Values: e.Values})
	}
	return out
}

// longEntries renders every entry in full detail.
func longEntries(entries []Entry) []entryJSON {
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, longEntry(e))
	}
	return out
}

// requestValue summarises an HTTP request for the trace. Bodies are not
// captured.
func requestValue(req *http.Request) any {
	if req == nil {
		return nil
	}
	v := Values{
		"method": req.Method,
		"proto":  req.Proto,
		"host":   req.Host,
	}
	if req.URL != nil {
		v["url"] = req.URL.String()
	}
	return v
}

// responseValue summarises an HTTP response for the trace.
func responseValue(resp *http.Response) any {
	if resp == nil {
		return nil
	}
	return Values{
		"status":        resp.Status,
		"statusCode":    resp.StatusCode,
		"contentLength": resp.ContentLength,
	}
}
