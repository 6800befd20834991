package sim

import "sync"

// bufferPool recycles read buffers on the switch side, where a frame has
// been forwarded to every port before the next one is read.
type bufferPool struct {
	pool sync.Pool
}

var readBuffers = &bufferPool{
	pool: sync.Pool{
		New: func() interface{} {
			buf := make([]byte, MaxFrameLen)
			return &buf
		},
	},
}

func (bp *bufferPool) get() []byte {
	return (*bp.pool.Get().(*[]byte))[:MaxFrameLen]
}

func (bp *bufferPool) put(buf []byte) {
	if cap(buf) < MaxFrameLen {
		return
	}
	buf = buf[:MaxFrameLen]
	bp.pool.Put(&buf)
}
