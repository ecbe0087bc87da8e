package middleware

import (
	"compress/gzip"
	"net/http"
	"strings"
)

// DecompressMiddleware inflates gzip request bodies so the ingest handlers
// always decode plain JSON. A body declared gzip that is not valid gzip is
// rejected outright; silently passing it through would surface as a
// confusing JSON error deeper in the pipeline.
func DecompressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		gr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "malformed gzip body", http.StatusBadRequest)
			return
		}
		defer gr.Close()

		r.Body = gr
		r.Header.Del("Content-Encoding")
		r.ContentLength = -1

		next.ServeHTTP(w, r)
	})
}

// CompressMiddleware gzips responses for clients that accept it. Series
// responses carry hundreds of buckets of repetitive JSON, which compresses
// well. Vary is always set so caches keep the encodings apart.
func CompressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Accept-Encoding")
		if !acceptsGzip(r) {
			next.ServeHTTP(w, r)
			return
		}

		cw := &compressedWriter{ResponseWriter: w}
		defer cw.close()

		next.ServeHTTP(cw, r)
	})
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.HasPrefix(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// compressedWriter defers the gzip writer until the first body byte and
// rewrites the headers at that point: Content-Length no longer applies once
// the body is compressed.
type compressedWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
}

func (w *compressedWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *compressedWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.gz == nil {
		w.gz = gzip.NewWriter(w.ResponseWriter)
	}
	return w.gz.Write(b)
}

func (w *compressedWriter) close() {
	if w.gz != nil {
		w.gz.Close()
	}
}
