package interceptor

import (
	"io"
	"net"
	"sync"

	"gamerelay/rc4"
)

// decipherReader deciphers client bytes once a key is installed and serves
// plaintext left over from key recovery first.
type decipherReader struct {
	r       io.Reader
	key     func() *rc4.Key
	pending []byte
}

func (d *decipherReader) Read(p []byte) (int, error) {
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		return n, nil
	}
	n, err := d.r.Read(p)
	if n > 0 {
		if k := d.key(); k != nil {
			k.Cipher(p[:n])
		}
	}
	return n, err
}

// peerWriter serializes whole frames onto one socket. The relay loop and
// injected messages share it, so the cipher advances in the order bytes hit
// the wire. While held, writes are queued and go out after the frames passed
// to release.
type peerWriter struct {
	mu     sync.Mutex
	conn   net.Conn
	cipher *rc4.Key
	held   bool
	queued [][]byte
}

func (w *peerWriter) write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.held {
		w.queued = append(w.queued, frame)
		return nil
	}
	return w.writeLocked(frame)
}

func (w *peerWriter) writeLocked(frame []byte) error {
	if w.cipher != nil {
		w.cipher.Cipher(frame)
	}
	_, err := w.conn.Write(frame)
	return err
}

func (w *peerWriter) hold() {
	w.mu.Lock()
	w.held = true
	w.mu.Unlock()
}

// release installs cipher when non-nil, writes frames, then flushes whatever
// was queued while held.
func (w *peerWriter) release(cipher *rc4.Key, frames [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.held {
		return nil
	}
	w.held = false
	if cipher != nil {
		w.cipher = cipher
	}

	pending := append(frames, w.queued...)
	w.queued = nil
	for _, frame := range pending {
		if err := w.writeLocked(frame); err != nil {
			return err
		}
	}
	return nil
}
