package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ljdmx/SilentLink/internal/invite"
	"github.com/ljdmx/SilentLink/internal/session"
	"github.com/ljdmx/SilentLink/internal/ui"
	"github.com/spf13/cobra"
)

var (
	joinRoom    string
	joinPass    string
	joinName    string
	joinSTUN    string
	joinSaveDir string
	joinFilter  string
	joinWindow  time.Duration
	joinNoMedia bool
)

var joinCmd = &cobra.Command{
	Use:     "join [invite-link-or-offer]",
	Aliases: []string{"j", "answer"},
	Short:   "Join a call from an invite link or a pasted offer",
	Long: `Join an encrypted call as the answering side.

An invite link carries the room, passphrase and offer, so it is all you
need. A bare offer payload works too, but then the room and passphrase
must come from --room and --pass. Either way the command prints an
answer payload to send back to the host; the call starts once the host
applies it.

Examples:
  silentlink join "https://silentlink.app/join#room=...&pass=...&offer=..."
  silentlink join --room amber-falcon-harbor-dusk --pass "three green kettles"
  silentlink join --filter mosaic --save-dir ~/Downloads`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pasted string
		if len(args) == 1 {
			pasted = args[0]
		}
		return startJoining(pasted)
	},
}

func startJoining(pasted string) error {
	reader := bufio.NewReader(os.Stdin)

	if pasted == "" {
		var err error
		pasted, err = promptLine(reader, "Paste the invite link or offer payload:")
		if err != nil {
			return err
		}
	}

	room, pass, offer := joinRoom, joinPass, ""
	if invite.IsLink(pasted) {
		inv, err := invite.ParseLink(pasted)
		if err != nil {
			return fmt.Errorf("reading invite link: %w", err)
		}
		if inv.RoomID != "" {
			room = inv.RoomID
		}
		if inv.Passphrase != "" {
			pass = inv.Passphrase
		}
		offer = inv.Offer
	} else {
		offer = pasted
	}
	if room == "" || pass == "" {
		return fmt.Errorf("the pasted text does not carry the room and passphrase; pass --room and --pass")
	}

	cfg, err := loadCallConfig(joinSTUN, "", joinSaveDir, joinWindow)
	if err != nil {
		return err
	}

	filter, err := resolveFilter(joinFilter)
	if err != nil {
		return err
	}

	capture, err := openCapture(cfg, joinNoMedia)
	if err != nil {
		return err
	}

	sess, err := newCallSession(cfg, session.Options{
		RoomID:        room,
		Passphrase:    pass,
		DisplayName:   joinName,
		DefaultFilter: filter,
		Capture:       capture,
	})
	if err != nil {
		if capture != nil {
			capture.Close()
		}
		return err
	}

	answer, err := buildAnswer(sess, offer)
	if err != nil {
		sess.Exit()
		return err
	}
	if answer == "" {
		answer, err = awaitPayload(reader, sess, "Paste the offer payload:")
		if err != nil {
			sess.Exit()
			return err
		}
	}

	fmt.Println()
	ui.PrintPayload("Answer payload (send this back to the host)", answer)
	fmt.Println(ui.InfoBoxStyle.Render("Send the answer to the host over a channel you trust.\nThe call starts once they apply it."))
	fmt.Println()

	return finishCall(sess)
}

// buildAnswer starts the receiving side. A malformed offer is not
// fatal: the session stays ready for another paste and the caller
// falls back to the prompt loop.
func buildAnswer(sess *session.Session, offer string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	if offer == "" {
		_, err := sess.StartAsReceiver(ctx, "")
		return "", err
	}

	stop := ui.RunConnectionSpinner("Building encrypted answer...")
	answer, err := sess.StartAsReceiver(ctx, offer)
	stop()
	if err != nil {
		if session.Classify(err) == session.KindHandshakePayload {
			ui.PrintWarningf("that offer didn't parse (%v), paste it again", err)
			return "", nil
		}
		return "", err
	}
	return answer, nil
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&joinRoom, "room", "r", "", "Room name when joining with a bare offer")
	joinCmd.Flags().StringVarP(&joinPass, "pass", "p", "", "Shared passphrase when joining with a bare offer")
	joinCmd.Flags().StringVarP(&joinName, "name", "n", "", "Display name shown to the peer")
	joinCmd.Flags().StringVarP(&joinSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&joinSaveDir, "save-dir", "o", "", "Directory for received files")
	joinCmd.Flags().StringVarP(&joinFilter, "filter", "f", "", "Initial privacy filter (none, blur, mosaic, hidden)")
	joinCmd.Flags().DurationVarP(&joinWindow, "window", "w", 0, "Handshake validity window")
	joinCmd.Flags().BoolVar(&joinNoMedia, "no-media", false, "Join without camera or microphone (chat and files only)")
}
