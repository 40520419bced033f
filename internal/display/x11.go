package display

import (
	"fmt"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/FrameFeed/internal/logger"
)

// X11Display queries the primary output through RandR. Each query opens and
// closes its own connection.
type X11Display struct {
	// DisplayName is passed to xgb; empty uses $DISPLAY
	DisplayName string
}

// NewX11Display creates an X11 display source for $DISPLAY
func NewX11Display() *X11Display {
	return &X11Display{}
}

func (d *X11Display) Name() string { return "x11" }

// PrimarySize returns the CRTC size of the RandR primary output. When no
// output is flagged primary (common on single-head setups) the default
// screen size is used instead.
func (d *X11Display) PrimarySize() (Size, error) {
	conn, err := xgb.NewConnDisplay(d.DisplayName)
	if err != nil {
		return Size{}, &DisplayQueryError{Source: d.Name(), Err: fmt.Errorf("failed to connect to X server: %w", err)}
	}
	defer conn.Close()

	screen := xproto.Setup(conn).DefaultScreen(conn)
	fallback := Size{Width: int(screen.WidthInPixels), Height: int(screen.HeightInPixels)}

	log := logger.WithComponent("display")

	if err := randr.Init(conn); err != nil {
		log.Debug().Err(err).Msg("RandR not available, using default screen size")
		return fallback, nil
	}

	primary, err := randr.GetOutputPrimary(conn, screen.Root).Reply()
	if err != nil || primary.Output == 0 {
		log.Debug().Err(err).Msg("No primary output flagged, using default screen size")
		return fallback, nil
	}

	output, err := randr.GetOutputInfo(conn, primary.Output, xproto.TimeCurrentTime).Reply()
	if err != nil {
		return Size{}, &DisplayQueryError{Source: d.Name(), Err: fmt.Errorf("failed to get output info: %w", err)}
	}
	if output.Crtc == 0 {
		return Size{}, &DisplayQueryError{Source: d.Name(), Err: fmt.Errorf("primary output %q is not active", string(output.Name))}
	}

	crtc, err := randr.GetCrtcInfo(conn, output.Crtc, xproto.TimeCurrentTime).Reply()
	if err != nil {
		return Size{}, &DisplayQueryError{Source: d.Name(), Err: fmt.Errorf("failed to get crtc info: %w", err)}
	}

	log.Debug().
		Str("output", string(output.Name)).
		Uint16("width", crtc.Width).
		Uint16("height", crtc.Height).
		Msg("Resolved primary output")

	return Size{Width: int(crtc.Width), Height: int(crtc.Height)}, nil
}
