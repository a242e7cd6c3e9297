//go:build linux

package receiver

import (
	"fmt"
	"strconv"
	"strings"
)

// EngineKind identifies a receiver engine implementation.
type EngineKind int

const (
	EngineIoUring EngineKind = iota
	EngineEpoll
)

func (k EngineKind) String() string {
	switch k {
	case EngineIoUring:
		return "io_uring"
	case EngineEpoll:
		return "epoll"
	}
	return "unknown"
}

// RxSpec is one parsed --rx argument.
type RxSpec struct {
	Kind    EngineKind
	IoUring IoUringRxConfig
	Epoll   EpollRxConfig
}

// Describe returns the description of the selected engine config.
func (s *RxSpec) Describe() string {
	if s.Kind == EngineEpoll {
		return s.Epoll.Describe()
	}
	return s.IoUring.Describe()
}

// ParseRxSpec parses an engine spec of the form
//
//	"io_uring provide_buffers=1 fixed_files=0"
//	"epoll batch_send=1"
//
// Unknown engines and options are errors. Defaults are the tuned engine
// defaults.
func ParseRxSpec(s string) (RxSpec, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return RxSpec{}, fmt.Errorf("no engine in %q", s)
	}

	spec := RxSpec{
		IoUring: DefaultIoUringRxConfig(),
		Epoll:   DefaultEpollRxConfig(),
	}
	switch fields[0] {
	case "io_uring":
		spec.Kind = EngineIoUring
	case "epoll":
		spec.Kind = EngineEpoll
	default:
		return RxSpec{}, fmt.Errorf("bad rx engine %q", fields[0])
	}

	for _, opt := range fields[1:] {
		key, val, ok := strings.Cut(opt, "=")
		if !ok {
			return RxSpec{}, fmt.Errorf("malformed option %q (want key=value)", opt)
		}
		var err error
		if spec.Kind == EngineEpoll {
			err = spec.Epoll.setOption(key, val)
		} else {
			err = spec.IoUring.setOption(key, val)
		}
		if err != nil {
			return RxSpec{}, err
		}
	}

	if spec.Kind == EngineIoUring {
		if err := spec.IoUring.ValidateAndSetDefaults(); err != nil {
			return RxSpec{}, err
		}
	}
	return spec, nil
}

func (c *RxConfig) setOption(key, val string) (bool, error) {
	var err error
	switch key {
	case "backlog":
		c.Backlog, err = strconv.Atoi(val)
	case "max_events":
		c.MaxEvents, err = strconv.Atoi(val)
	case "recv_size":
		c.RecvSize, err = strconv.Atoi(val)
	case "recvmsg":
		c.Recvmsg, err = parseBoolish(val)
	case "workload":
		c.Workload, err = strconv.ParseUint(val, 10, 64)
	case "description":
		c.Description = val
	default:
		return false, nil
	}
	if err != nil {
		return true, fmt.Errorf("option %s=%q: %w", key, val, err)
	}
	return true, nil
}

func (c *IoUringRxConfig) setOption(key, val string) error {
	if handled, err := c.RxConfig.setOption(key, val); handled {
		return err
	}
	var err error
	switch key {
	case "supports_nonblock_accept":
		c.SupportsNonblockAccept, err = parseBoolish(val)
	case "register_ring":
		c.RegisterRing, err = parseBoolish(val)
	case "provide_buffers":
		c.ProvideBuffers, err = strconv.Atoi(val)
	case "fixed_files":
		c.FixedFiles, err = parseBoolish(val)
	case "fixed_file_count":
		c.FixedFileCount, err = strconv.Atoi(val)
	case "sqe_count":
		c.SQECount, err = strconv.Atoi(val)
	case "cqe_count":
		c.CQECount, err = strconv.Atoi(val)
	case "max_cqe_loop":
		c.MaxCQELoop, err = strconv.Atoi(val)
	case "provided_buffer_count":
		c.ProvidedBufferCount, err = strconv.Atoi(val)
	case "provided_buffer_low_watermark":
		c.ProvidedBufferLowWatermark, err = strconv.Atoi(val)
	case "provided_buffer_compact":
		c.ProvidedBufferCompact, err = parseBoolish(val)
	case "huge_pages":
		c.HugePages, err = parseBoolish(val)
	case "multishot_recv":
		c.MultishotRecv, err = parseBoolish(val)
	case "defer_taskrun":
		c.DeferTaskrun, err = parseBoolish(val)
	default:
		return fmt.Errorf("unknown io_uring option %q", key)
	}
	if err != nil {
		return fmt.Errorf("option %s=%q: %w", key, val, err)
	}
	return nil
}

func (c *EpollRxConfig) setOption(key, val string) error {
	if handled, err := c.RxConfig.setOption(key, val); handled {
		return err
	}
	var err error
	switch key {
	case "batch_send":
		c.BatchSend, err = parseBoolish(val)
	default:
		return fmt.Errorf("unknown epoll option %q", key)
	}
	if err != nil {
		return fmt.Errorf("option %s=%q: %w", key, val, err)
	}
	return nil
}

// parseBoolish accepts 0/1 as well as the usual bool spellings.
func parseBoolish(val string) (bool, error) {
	if n, err := strconv.Atoi(val); err == nil {
		return n != 0, nil
	}
	return strconv.ParseBool(val)
}
