package publicapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/sessionrelay/internal/executor"
)

// writeSSE streams generate calls as Server-Sent Events: one "data: <json>"
// line per chunk the executor emits via run, then a terminal
// "data: [DONE]" line. Each chunk is flushed immediately so callers observe
// output as it's produced rather than buffered until the connection closes.
//
// run is handed a context derived from ctx (the inbound request) so the
// executor's upstream call is cancelled the moment the caller disconnects;
// a failed flush — the clearest signal of a dead connection fasthttp gives
// us — cancels that context directly instead of waiting for the executor to
// notice on its own.
func writeSSE(ctx *fasthttp.RequestCtx, log *slog.Logger, run func(streamCtx context.Context, sink func(executor.GenerateResponse)) error) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	streamCtx, cancel := context.WithCancel(ctx)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				log.Error("sse_writer_panic", slog.Any("panic", r))
			}
		}()

		var disconnected atomic.Bool

		err := run(streamCtx, func(chunk executor.GenerateResponse) {
			if disconnected.Load() {
				return
			}
			data, marshalErr := json.Marshal(chunk)
			if marshalErr != nil {
				log.Error("sse_marshal_failed", slog.String("error", marshalErr.Error()))
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			if flushErr := w.Flush(); flushErr != nil {
				log.Warn("sse_client_disconnected", slog.String("error", flushErr.Error()))
				disconnected.Store(true)
				cancel()
				return
			}
		})
		if err != nil {
			log.Error("sse_stream_failed", slog.String("error", err.Error()))
		}

		if disconnected.Load() {
			return
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		_ = w.Flush()
	})
}
