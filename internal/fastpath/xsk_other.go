//go:build !linux
// +build !linux

package fastpath

import "context"

// XSK is unavailable off Linux.
type XSK struct {
	queue uint32
}

func OpenXSK(ifaceName string, queue uint32, opts XSKOptions) (*XSK, error) {
	return nil, ErrXSKUnsupported
}

func (x *XSK) FD() int { return -1 }

func (x *XSK) Queue() uint32 { return x.queue }

func (x *XSK) Received() uint64 { return 0 }

func (x *XSK) Run(ctx context.Context, deliver func(frame []byte)) error {
	return ErrXSKUnsupported
}

func (x *XSK) Close() error { return nil }
