package device

import (
	"fmt"
	"time"

	"github.com/powerlab/protorec/internal/config"
)

// FromConfig builds one handle per configured device. With simulate set,
// every device becomes a synthetic handle of the same kind, so the full
// stack can run on hosts without the actual hardware attached.
func FromConfig(cfg *config.Config, simulate bool) ([]Handle, error) {
	handles := make([]Handle, 0, len(cfg.Devices))

	for _, dc := range cfg.Devices {
		var kind Kind
		switch dc.Kind {
		case config.DeviceKindCamera:
			kind = KindCamera
		case config.DeviceKindIMU:
			kind = KindIMU
		default:
			return nil, fmt.Errorf("unknown device kind %q for device %q", dc.Kind, dc.ID)
		}

		if simulate {
			interval := 50 * time.Millisecond
			if kind == KindIMU && dc.SampleRate > 0 {
				interval = time.Second / time.Duration(dc.SampleRate)
			}
			handles = append(handles, NewSim(dc.ID, kind, interval))
			continue
		}

		switch kind {
		case KindCamera:
			handles = append(handles, NewCamera(dc, cfg.Recording.ReadTimeout))
		case KindIMU:
			handles = append(handles, NewIMU(dc, cfg.Recording.ReadTimeout))
		}
	}

	return handles, nil
}
