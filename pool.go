package stencil

import (
	"bytes"
	"strings"
	"sync"
)

// ----------------------------- Buffer and context pools ---------------------

var bufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

var stringBuilderPool = sync.Pool{New: func() any { return new(strings.Builder) }}

var renderCtxPool = sync.Pool{
	New: func() any {
		return &renderCtx{
			locals: make(map[string]any, 16),
		}
	},
}

func getRenderCtx() *renderCtx {
	return renderCtxPool.Get().(*renderCtx)
}

func putRenderCtx(ctx *renderCtx) {
	ctx.reset()
	renderCtxPool.Put(ctx)
}

func getBuffer() *bytes.Buffer {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	// oversized buffers are dropped rather than pinned in the pool
	if buf.Cap() > 1<<20 {
		return
	}
	bufPool.Put(buf)
}
