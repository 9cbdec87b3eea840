package network

import (
	"peerstreamer/internal/config"
	"peerstreamer/internal/metrics"
)

const (
	DefaultReadBuffer  = 1 << 20
	DefaultWriteBuffer = 1 << 20
)

// Options tunes a Transport. Zero buffer sizes select the defaults above,
// negative ones keep the OS defaults.
type Options struct {
	ReadBuffer  int
	WriteBuffer int
	// BatchWrites hands every fragment of a message to one sendmmsg call.
	BatchWrites bool
	Metrics     *metrics.Metrics
}

// OptionsFromConfig reads rcvbuf, sndbuf and batch from a config tag string.
func OptionsFromConfig(s string) (Options, error) {
	tags, err := config.Parse(s)
	if err != nil {
		return Options{}, err
	}
	var opts Options
	if opts.ReadBuffer, err = tags.Int("rcvbuf", 0); err != nil {
		return Options{}, err
	}
	if opts.WriteBuffer, err = tags.Int("sndbuf", 0); err != nil {
		return Options{}, err
	}
	if opts.BatchWrites, err = tags.Bool("batch", true); err != nil {
		return Options{}, err
	}
	return opts, nil
}
