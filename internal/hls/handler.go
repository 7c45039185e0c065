package hls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"llhls-buffer/internal/platform/metrics"
	"llhls-buffer/internal/stream"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	initContentType     = "video/mp4"
	segmentContentType  = "video/iso.segment"

	// maxPartBytes bounds a single uploaded part or init section.
	maxPartBytes = 16 << 20

	// consecutive part timeouts after which a streamed segment read gives up
	maxPartMisses = 3
)

// errRangeNotSatisfiable is returned by parseRange for ranges outside the
// segment.
var errRangeNotSatisfiable = errors.New("range not satisfiable")

// Handler exposes the producer and consumer HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Mount registers all stream routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/streams", h.CreateStream)
	r.Route("/streams/{token}", func(r chi.Router) {
		r.Get("/", h.GetStream)
		r.Post("/end", h.EndStream)
		r.Put("/init", h.PutInit)
		r.Post("/parts", h.PostPart)
		r.Post("/discontinuity", h.PostDiscontinuity)

		r.Get("/master_playlist.m3u8", h.GetMasterPlaylist)
		r.Get("/playlist.m3u8", h.GetMediaPlaylist)
		r.Get("/init.mp4", h.GetInit)
		r.Get("/segment/{sequence}.m4s", h.GetSegment)
	})
}

// CreateStream handles POST /streams.
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.CreateStream()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// GetStream handles GET /streams/{token}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.StreamInfo(tokenParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// EndStream handles POST /streams/{token}/end.
func (h *Handler) EndStream(w http.ResponseWriter, r *http.Request) {
	h.svc.EndStream(tokenParam(r))
	w.WriteHeader(http.StatusOK)
}

// PutInit handles PUT /streams/{token}/init. The body is the fMP4
// initialization section.
func (h *Handler) PutInit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil || len(body) == 0 {
		h.log.Debug("invalid init body", slog.Any("error", err))
		w.WriteHeader(bodyErrorStatus(err))
		return
	}
	if err := h.svc.SetInit(tokenParam(r), body); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostPart handles POST /streams/{token}/parts?duration=&keyframe=&segment_duration=.
// The body is the part payload. A positive segment_duration completes the
// current segment with this part.
func (h *Handler) PostPart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	duration, err := strconv.ParseFloat(q.Get("duration"), 64)
	if err != nil {
		h.log.Debug("invalid part duration", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	keyframe := false
	if v := q.Get("keyframe"); v != "" {
		if keyframe, err = strconv.ParseBool(v); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	segmentDuration := 0.0
	if v := q.Get("segment_duration"); v != "" {
		if segmentDuration, err = strconv.ParseFloat(v, 64); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	body, err := readBody(w, r)
	if err != nil {
		h.log.Debug("invalid part body", slog.String("error", err.Error()))
		w.WriteHeader(bodyErrorStatus(err))
		return
	}

	part, err := stream.NewPart(duration, keyframe, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	seg, err := h.svc.PublishPart(tokenParam(r), part, segmentDuration)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"sequence":  seg.Sequence(),
		"stream_id": seg.StreamID(),
		"parts":     seg.NumParts(),
		"complete":  seg.Complete(),
	})
}

// PostDiscontinuity handles POST /streams/{token}/discontinuity.
func (h *Handler) PostDiscontinuity(w http.ResponseWriter, r *http.Request) {
	if _, err := h.svc.Discontinuity(tokenParam(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetMasterPlaylist handles GET /streams/{token}/master_playlist.m3u8.
func (h *Handler) GetMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	body, err := h.svc.MasterPlaylist(r.Context(), tokenParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePlaylist(w, body)
}

// GetMediaPlaylist handles GET /streams/{token}/playlist.m3u8 including
// LL-HLS blocking reloads (_HLS_msn, _HLS_part).
func (h *Handler) GetMediaPlaylist(w http.ResponseWriter, r *http.Request) {
	reload, err := parseBlockingReload(r)
	if err != nil {
		h.log.Debug("invalid blocking reload", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := h.svc.MediaPlaylist(r.Context(), tokenParam(r), reload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePlaylist(w, body)
}

// GetInit handles GET /streams/{token}/init.mp4.
func (h *Handler) GetInit(w http.ResponseWriter, r *http.Request) {
	init, err := h.svc.Init(r.Context(), tokenParam(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", initContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(init)))
	w.WriteHeader(http.StatusOK)
	w.Write(init)
}

// GetSegment handles GET /streams/{token}/segment/{sequence}.m4s. Segments
// still being written are streamed as their parts arrive.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	sequence, err := strconv.Atoi(chi.URLParam(r, "sequence"))
	if err != nil || sequence < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	seg, out, err := h.svc.Segment(tokenParam(r), sequence)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// Snapshot completion once: the size must not change between the range
	// check and the headers.
	complete := seg.Complete()
	size := seg.DataSize()

	br, err := parseRange(r.Header.Get("Range"), size, complete)
	if err != nil {
		if complete {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		}
		h.writeError(w, r, err)
		return
	}

	chunks, err := seg.AggregatingBytes(br.start, br.end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Accept-Ranges", "bytes")
	status := http.StatusOK
	if br.partial {
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", br.contentRange(size, complete))
	} else if br.start > 0 {
		// a 200 body that is not the whole resource must not be cached
		w.Header().Set("Cache-Control", "no-store")
	}
	if br.end != stream.Unbounded && (complete || br.end <= size) {
		w.Header().Set("Content-Length", strconv.Itoa(br.end-br.start))
	}
	w.WriteHeader(status)

	h.streamChunks(r.Context(), w, out, chunks, seg.Sequence())
}

// streamChunks copies chunks to w, waiting for new parts whenever the
// segment has no data at the cursor yet.
func (h *Handler) streamChunks(ctx context.Context, w http.ResponseWriter, out *stream.Output, chunks iter.Seq[[]byte], sequence int) {
	flusher, _ := w.(http.Flusher)
	timeout := h.svc.Settings().PartTimeout()
	misses := 0

	// The signal is grabbed before every pull so a part landing between the
	// pull and the wait is not missed.
	sig := out.PartSignal()
	chunks(func(data []byte) bool {
		if data == nil {
			if !out.PartRecv(ctx, sig, timeout) {
				if ctx.Err() != nil {
					return false
				}
				misses++
				if misses >= maxPartMisses {
					h.log.Debug("segment read stalled",
						slog.Int("sequence", sequence),
						slog.Int("misses", misses))
					return false
				}
			} else {
				misses = 0
			}
			sig = out.PartSignal()
			return true
		}

		misses = 0
		sig = out.PartSignal()
		if _, err := w.Write(data); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	})
}

// writeError maps service errors to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrStreamNotFound),
		errors.Is(err, ErrSegmentNotFound),
		errors.Is(err, ErrInitNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrBadBlockingRequest),
		errors.Is(err, stream.ErrInvalidPart),
		errors.Is(err, stream.ErrSegmentComplete),
		errors.Is(err, stream.ErrInvalidRange):
		status = http.StatusBadRequest
	case errors.Is(err, errRangeNotSatisfiable):
		status = http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, ErrPlaylistNotReady):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	} else {
		h.log.Debug("request rejected", slog.Int("status", status), slog.String("error", err.Error()))
	}
	w.WriteHeader(status)
}

func tokenParam(r *http.Request) Token {
	return Token(chi.URLParam(r, "token"))
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxPartBytes))
}

// bodyErrorStatus maps a readBody failure to a status code.
func bodyErrorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// parseBlockingReload reads _HLS_msn and _HLS_part. It returns nil when no
// blocking reload was requested. _HLS_part without _HLS_msn is invalid.
func parseBlockingReload(r *http.Request) (*BlockingReload, error) {
	q := r.URL.Query()
	msnStr, partStr := q.Get("_HLS_msn"), q.Get("_HLS_part")
	if msnStr == "" {
		if partStr != "" {
			return nil, errors.New("_HLS_part requires _HLS_msn")
		}
		return nil, nil
	}

	msn, err := strconv.Atoi(msnStr)
	if err != nil || msn < 0 {
		return nil, fmt.Errorf("invalid _HLS_msn %q", msnStr)
	}
	reload := &BlockingReload{MSN: msn, Part: -1}
	if partStr != "" {
		part, err := strconv.Atoi(partStr)
		if err != nil || part < 0 {
			return nil, fmt.Errorf("invalid _HLS_part %q", partStr)
		}
		reload.Part = part
	}
	return reload, nil
}

// byteRange is a resolved Range request over a segment. end is exclusive
// and may be stream.Unbounded for open-ended reads of an incomplete segment;
// those are not partial, as no Content-Range can be framed for them.
type byteRange struct {
	start, end int
	partial    bool
}

// contentRange renders the Content-Range header of a partial range.
func (br byteRange) contentRange(size int, complete bool) string {
	total := "*"
	if complete {
		total = strconv.Itoa(size)
	}
	return fmt.Sprintf("bytes %d-%d/%s", br.start, br.end-1, total)
}

// parseRange resolves a single "bytes=" range against a segment of the given
// current size. Multiple ranges are not supported. Suffix ranges need a
// complete segment.
func parseRange(header string, size int, complete bool) (byteRange, error) {
	if header == "" {
		end := size
		if !complete {
			end = stream.Unbounded
		}
		return byteRange{start: 0, end: end}, nil
	}

	ranges, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(ranges, ",") {
		return byteRange{}, fmt.Errorf("%w: unsupported range %q", stream.ErrInvalidRange, header)
	}
	first, last, ok := strings.Cut(strings.TrimSpace(ranges), "-")
	if !ok {
		return byteRange{}, fmt.Errorf("%w: malformed range %q", stream.ErrInvalidRange, header)
	}

	if first == "" {
		n, err := strconv.Atoi(last)
		if err != nil || n < 0 {
			return byteRange{}, fmt.Errorf("%w: malformed range %q", stream.ErrInvalidRange, header)
		}
		if !complete || n == 0 || size == 0 {
			return byteRange{}, fmt.Errorf("%w: suffix %q", errRangeNotSatisfiable, header)
		}
		return byteRange{start: max(size-n, 0), end: size, partial: true}, nil
	}

	start, err := strconv.Atoi(first)
	if err != nil || start < 0 {
		return byteRange{}, fmt.Errorf("%w: malformed range %q", stream.ErrInvalidRange, header)
	}
	end := stream.Unbounded
	if last != "" {
		l, err := strconv.Atoi(last)
		if err != nil || l < start {
			return byteRange{}, fmt.Errorf("%w: malformed range %q", stream.ErrInvalidRange, header)
		}
		if l < stream.Unbounded {
			end = l + 1
		}
	}

	if complete {
		if start >= size {
			return byteRange{}, fmt.Errorf("%w: %q of %d bytes", errRangeNotSatisfiable, header, size)
		}
		end = min(end, size)
	}
	// bytes=N- of a segment still growing is served as a plain 200 body
	// starting at N.
	return byteRange{start: start, end: end, partial: end != stream.Unbounded}, nil
}
