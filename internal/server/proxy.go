package server

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/funkpopo/writebot-sub002/internal/logging"
)

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// browserOnlyHeaders identify the browser origin; forwarding them would
// re-trigger the upstream CORS rejection the proxy exists to bypass.
var browserOnlyHeaders = map[string]bool{
	"Origin":  true,
	"Referer": true,
	"Host":    true,
}

// handleProxy forwards the request to the target URL and streams the
// response back, flushing per read so event streams arrive incrementally.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	log := logging.ForComponent("server")

	target := r.URL.Query().Get("target")
	if target == "" {
		http.Error(w, "missing target parameter", http.StatusBadRequest)
		return
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		http.Error(w, "invalid target URL", http.StatusBadRequest)
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad proxy request: "+err.Error(), http.StatusBadRequest)
		return
	}
	copyProxyHeaders(out.Header, r.Header)
	out.Host = parsed.Host

	resp, err := s.upstream.Do(out)
	if err != nil {
		log.Warn().Err(err).Str("target", target).Msg("upstream request failed")
		http.Error(w, "upstream request failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return
		}
		if rerr != nil {
			log.Debug().Err(rerr).Str("target", target).Msg("upstream body ended")
			return
		}
	}
}

// copyProxyHeaders copies request headers, dropping hop-by-hop and
// browser-identity headers.
func copyProxyHeaders(dst, src http.Header) {
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHopHeaders[canonical] || browserOnlyHeaders[canonical] {
			continue
		}
		if strings.HasPrefix(canonical, "Sec-") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
