package capture

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"epona/link"
)

// LinkType is the pcap link type of capture files (LINKTYPE_USER0).
const LinkType layers.LinkType = 147

// DefaultSnapLen is used when no snapshot length is configured.
const DefaultSnapLen = 65535

// ErrLinkType is returned when reading a capture of another link type.
var ErrLinkType = errors.New("capture: unexpected link type")

// Tap writes every captured frame to a pcap stream. It is safe for
// concurrent use.
type Tap struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	closer  io.Closer
	snaplen int
	now     func() time.Time
	count   uint64
}

// NewTap writes the pcap file header to w and returns a tap writing to it.
func NewTap(w io.Writer, snaplen int) (*Tap, error) {
	if snaplen <= 0 {
		snaplen = DefaultSnapLen
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(uint32(snaplen), LinkType); err != nil {
		return nil, errors.Wrap(err, "failed to write pcap header")
	}
	t := &Tap{w: pw, snaplen: snaplen, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t, nil
}

// Create opens path for writing and returns a tap on it.
func Create(path string, snaplen int) (*Tap, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create capture file %s", path)
	}
	t, err := NewTap(f, snaplen)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	log.WithFields(log.Fields{"file": path, "snaplen": t.snaplen}).Info("capturing frames")
	return t, nil
}

// Capture records frame, truncated to the snapshot length.
func (t *Tap) Capture(frame []byte) {
	caplen := len(frame)
	if caplen > t.snaplen {
		caplen = t.snaplen
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     t.now(),
		CaptureLength: caplen,
		Length:        len(frame),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return
	}
	if err := t.w.WritePacket(ci, frame[:caplen]); err != nil {
		log.WithError(err).Debug("failed to write captured frame")
		return
	}
	t.count++
}

// Count returns the number of frames written.
func (t *Tap) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Close stops capturing and closes the underlying file, if any.
func (t *Tap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.w = nil
	if t.closer == nil {
		return nil
	}
	err := t.closer.Close()
	t.closer = nil
	return err
}

// Record is one decoded frame from a capture file.
type Record struct {
	Timestamp  time.Time
	Length     int
	Frame      Frame
	Resolution *Resolution
	Payload    []byte
	// Err is set when the frame could not be fully decoded.
	Err error
}

// Read decodes every frame in a pcap stream written by a Tap.
func Read(r io.Reader) ([]Record, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pcap header")
	}
	if pr.LinkType() != LinkType {
		return nil, errors.Wrapf(ErrLinkType, "%d", pr.LinkType())
	}

	var (
		frame   Frame
		res     Resolution
		payload gopacket.Payload
		decoded []gopacket.LayerType
	)
	parser := gopacket.NewDecodingLayerParser(LayerTypeFrame, &frame, &res, &payload)
	parser.IgnoreUnsupported = true

	var records []Record
	for {
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, errors.Wrap(err, "failed to read captured frame")
		}

		rec := Record{Timestamp: ci.Timestamp, Length: ci.Length}
		rec.Err = parser.DecodeLayers(data, &decoded)
		for _, typ := range decoded {
			switch typ {
			case LayerTypeFrame:
				rec.Frame = frame
				rec.Frame.BaseLayer = layers.BaseLayer{}
			case LayerTypeResolution:
				r := res
				r.BaseLayer = layers.BaseLayer{}
				rec.Resolution = &r
			case gopacket.LayerTypePayload:
				rec.Payload = append([]byte(nil), payload...)
			}
		}
		if rec.Err == nil && len(decoded) > 0 && rec.Frame.Protocol == link.ProtoResolution && rec.Resolution == nil {
			rec.Err = link.ErrMalformedResolution
		}
		records = append(records, rec)
	}
}

// ReadFile decodes every frame in the pcap file at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open capture file %s", path)
	}
	defer f.Close()
	return Read(f)
}
