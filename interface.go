package fwup

// Flasher is the part of the flash driver a Session needs. flash.Device
// implements it.
type Flasher interface {
	// 擦除覆盖 [start, start+size) 的所有扇区
	EraseRange(start, size uint32) error

	// 在一页之内写入数据
	ProgramPage(addr uint32, data []byte) error
}

// Replier sends a short status message back to the host.
type Replier interface {
	// WriteReply sends p and flushes it. Delivery is best effort.
	WriteReply(p []byte) error
}

// Transport is the device end of the byte stream.
type Transport interface {
	// ReadChunk polls for inbound bytes. It returns 0, nil when nothing is
	// pending and ErrDisconnected when the host went away; the link may come
	// back later. Any other error means the transport is unusable.
	ReadChunk(buf []byte) (int, error)

	Replier
}
