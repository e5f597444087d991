package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ljdmx/SilentLink/internal/config"
	"github.com/ljdmx/SilentLink/internal/media"
	"github.com/ljdmx/SilentLink/internal/session"
	"github.com/ljdmx/SilentLink/internal/ui"
)

// handshakeTimeout bounds building one offer or answer, which includes
// ICE candidate gathering. It does not bound the user.
const handshakeTimeout = 30 * time.Second

func loadCallConfig(stun, linkBase, saveDir string, window time.Duration) (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		STUNServer:      stun,
		LinkBase:        linkBase,
		HandshakeWindow: window,
		SaveDir:         saveDir,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func resolveFilter(name string) (media.Filter, error) {
	if name == "" {
		return media.FilterNone, nil
	}
	return media.ParseFilter(name)
}

// openCapture acquires camera and microphone unless the call runs
// without media. Device failure is fatal here; a call that silently
// starts without the camera the user asked for is worse than no call.
func openCapture(cfg *config.Config, noMedia bool) (*media.Capture, error) {
	if noMedia {
		return nil, nil
	}
	sp := ui.NewSimpleSpinner("Starting camera and microphone...")
	sp.Start()
	capture, err := media.Open(media.CaptureOptions{FrameRate: cfg.FrameRate})
	if err != nil {
		sp.Error("Media devices unavailable")
		return nil, err
	}
	sp.Success("Camera and microphone ready")
	return capture, nil
}

func newCallSession(cfg *config.Config, opts session.Options) (*session.Session, error) {
	opts.Logger = slog.Default()
	sess, err := session.New(cfg, opts)
	if err != nil {
		return nil, err
	}
	activeSession.Store(sess)
	return sess, nil
}

func promptLine(reader *bufio.Reader, label string) (string, error) {
	fmt.Print(ui.BoldStyle.Render(label) + " ")
	for {
		line, err := reader.ReadString('\n')
		if text := strings.TrimSpace(line); text != "" {
			return text, nil
		}
		if err != nil {
			return "", fmt.Errorf("input ended before a payload arrived")
		}
	}
}

// awaitPayload reads pasted payloads until one is accepted. A paste
// that fails to parse is reported and the prompt returns; the
// handshake keeps its state. Each attempt gets a fresh gathering
// timeout because the user controls the pace.
func awaitPayload(reader *bufio.Reader, sess *session.Session, label string) (string, error) {
	for {
		text, err := promptLine(reader, label)
		if err != nil {
			return "", err
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		stop := ui.RunConnectionSpinner("Processing payload...")
		reply, err := sess.SubmitRemotePayload(ctx, text)
		stop()
		cancel()

		if err != nil {
			if session.Classify(err) == session.KindHandshakePayload {
				ui.PrintWarningf("that didn't look like a valid payload (%v), try again", err)
				continue
			}
			return "", err
		}
		return reply, nil
	}
}

// finishCall hands the terminal to the call screen, then closes the
// session and reports how it ended.
func finishCall(sess *session.Session) error {
	uiErr := ui.RunCall(sess)
	final := sess.Status()
	sess.Exit()

	switch final {
	case session.StatusDisconnected:
		ui.PrintInfo("The peer left the call.")
	case session.StatusExpired:
		ui.PrintWarning("The handshake window elapsed before the call connected.")
	case session.StatusFailed:
		ui.PrintError("The peer connection failed.")
	default:
		ui.PrintSuccess("Call ended.")
	}
	ui.RenderCallSummary(sess.Summary())
	return uiErr
}
