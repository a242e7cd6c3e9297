//go:build linux

package receiver

import (
	"fmt"
	"strconv"
	"strings"
)

// RxConfig carries the options common to both engines.
type RxConfig struct {
	// Backlog is the listen(2) backlog.
	Backlog int `yaml:"backlog"`
	// MaxEvents sizes the epoll event batch.
	MaxEvents int `yaml:"max-events"`
	// RecvSize is the per-buffer receive size in bytes (aligned up to 32
	// by the buffer providers).
	RecvSize int `yaml:"recv-size"`
	// Recvmsg switches reads from recv(2) to recvmsg(2).
	Recvmsg bool `yaml:"recvmsg"`
	// Workload adds a synthetic per-request CPU cost.
	Workload uint64 `yaml:"workload"`
	// Description overrides the derived config description.
	Description string `yaml:"description"`
}

// IoUringRxConfig configures the io_uring engine.
type IoUringRxConfig struct {
	RxConfig `yaml:",inline"`

	// SupportsNonblockAccept drains accept4(2) after each accept
	// completion instead of relying on one accept SQE per connection.
	SupportsNonblockAccept bool `yaml:"supports-nonblock-accept"`
	// RegisterRing registers the ring fd and enters with REGISTERED_RING.
	RegisterRing bool `yaml:"register-ring"`
	// ProvideBuffers selects the receive buffer scheme:
	// 0 inline per-socket buffers, 1 provide_buffers SQEs, 2 kernel
	// buffer ring.
	ProvideBuffers int `yaml:"provide-buffers"`
	// FixedFiles uses direct-descriptor slots instead of kernel fds.
	FixedFiles     bool `yaml:"fixed-files"`
	FixedFileCount int  `yaml:"fixed-file-count"`

	SQECount   int `yaml:"sqe-count"`
	CQECount   int `yaml:"cqe-count"`
	MaxCQELoop int `yaml:"max-cqe-loop"`

	ProvidedBufferCount        int  `yaml:"provided-buffer-count"`
	ProvidedBufferLowWatermark int  `yaml:"provided-buffer-low-watermark"`
	ProvidedBufferCompact      bool `yaml:"provided-buffer-compact"`
	// HugePages backs the V2 arena with 2 MiB pages.
	HugePages bool `yaml:"huge-pages"`
	// MultishotRecv arms multishot receive SQEs.
	MultishotRecv bool `yaml:"multishot-recv"`
	// DeferTaskrun enables DEFER_TASKRUN + SINGLE_ISSUER.
	DeferTaskrun bool `yaml:"defer-taskrun"`

	// cqeSkipFlag is set from the kernel feature mask at ring setup, not
	// by users.
	cqeSkipFlag uint8
}

// EpollRxConfig configures the epoll engine.
type EpollRxConfig struct {
	RxConfig `yaml:",inline"`

	// BatchSend defers sends until after the read drain of each wake.
	BatchSend bool `yaml:"batch-send"`
}

func defaultRxConfig() RxConfig {
	return RxConfig{
		Backlog:   100000,
		MaxEvents: 32,
		RecvSize:  4096,
	}
}

// DefaultIoUringRxConfig returns the tuned defaults: buffer ring,
// fixed files, multishot receive, registered ring fd.
func DefaultIoUringRxConfig() IoUringRxConfig {
	return IoUringRxConfig{
		RxConfig:                   defaultRxConfig(),
		RegisterRing:               true,
		ProvideBuffers:             2,
		FixedFiles:                 true,
		FixedFileCount:             16000,
		SQECount:                   64,
		MaxCQELoop:                 256 * 32,
		ProvidedBufferCount:        8000,
		ProvidedBufferLowWatermark: -1,
		ProvidedBufferCompact:      true,
		MultishotRecv:              true,
	}
}

// DefaultEpollRxConfig returns the epoll engine defaults.
func DefaultEpollRxConfig() EpollRxConfig {
	return EpollRxConfig{RxConfig: defaultRxConfig()}
}

// ValidateAndSetDefaults normalises dependent options.
func (c *IoUringRxConfig) ValidateAndSetDefaults() error {
	if c.SQECount <= 0 {
		return fmt.Errorf("sqe-count must be positive, got %d", c.SQECount)
	}
	if c.ProvideBuffers < 0 || c.ProvideBuffers > 2 {
		return fmt.Errorf("provide-buffers must be 0, 1 or 2, got %d", c.ProvideBuffers)
	}
	if c.ProvideBuffers > 0 && c.ProvidedBufferCount <= 0 {
		return fmt.Errorf("provided-buffer-count must be positive, got %d",
			c.ProvidedBufferCount)
	}
	if c.ProvidedBufferLowWatermark < 0 {
		// Default to a quarter of the arena unless explicitly told.
		c.ProvidedBufferLowWatermark = c.ProvidedBufferCount / 4
	}
	return nil
}

// Describe returns the user-facing config description: the explicit
// Description if set, otherwise the non-default important options.
func (c *IoUringRxConfig) Describe() string {
	if c.Description != "" {
		return c.Description
	}
	def := DefaultIoUringRxConfig()
	var b strings.Builder
	describeBase(&b, &c.RxConfig, &def.RxConfig)
	if c.FixedFiles != def.FixedFiles || c.FixedFileCount != def.FixedFileCount {
		if c.FixedFiles {
			fmt.Fprintf(&b, " fixed_files=1 (count=%d)", c.FixedFileCount)
		} else {
			b.WriteString(" fixed_files=0")
		}
	}
	appendNonDefaultInt(&b, "provide_buffers", c.ProvideBuffers, def.ProvideBuffers)
	appendNonDefaultInt(&b, "provided_buffer_count",
		c.ProvidedBufferCount, def.ProvidedBufferCount)
	appendNonDefaultInt(&b, "sqe_count", c.SQECount, def.SQECount)
	appendNonDefaultInt(&b, "cqe_count", c.CQECount, def.CQECount)
	appendNonDefaultInt(&b, "max_cqe_loop", c.MaxCQELoop, def.MaxCQELoop)
	appendNonDefaultBool(&b, "huge_pages", c.HugePages, def.HugePages)
	appendNonDefaultBool(&b, "defer_taskrun", c.DeferTaskrun, def.DeferTaskrun)
	appendNonDefaultBool(&b, "multishot_recv", c.MultishotRecv, def.MultishotRecv)
	return b.String()
}

// Describe returns the user-facing config description.
func (c *EpollRxConfig) Describe() string {
	if c.Description != "" {
		return c.Description
	}
	def := DefaultEpollRxConfig()
	var b strings.Builder
	describeBase(&b, &c.RxConfig, &def.RxConfig)
	appendNonDefaultBool(&b, "batch_send", c.BatchSend, def.BatchSend)
	return b.String()
}

func describeBase(b *strings.Builder, c, def *RxConfig) {
	appendNonDefaultBool(b, "recvmsg", c.Recvmsg, def.Recvmsg)
	if c.Workload != def.Workload {
		fmt.Fprintf(b, " workload=%d", c.Workload)
	}
}

func appendNonDefaultInt(b *strings.Builder, name string, v, def int) {
	if v != def {
		fmt.Fprintf(b, " %s=%d", name, v)
	}
}

func appendNonDefaultBool(b *strings.Builder, name string, v, def bool) {
	if v != def {
		fmt.Fprintf(b, " %s=%s", name, strconv.FormatBool(v))
	}
}
