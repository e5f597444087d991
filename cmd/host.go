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
	hostRoom    string
	hostPass    string
	hostName    string
	hostSTUN    string
	hostLink    string
	hostSaveDir string
	hostFilter  string
	hostWindow  time.Duration
	hostNoMedia bool
)

var hostCmd = &cobra.Command{
	Use:     "host",
	Aliases: []string{"call"},
	Short:   "Start an encrypted call and hand out the offer",
	Long: `Start an encrypted call as the offering side.

A room name and passphrase are generated unless provided; both feed the
session key, so the peer needs them together with the offer payload.
Share the invite link, or the payload plus room and passphrase, over a
channel you trust, then paste the peer's answer payload back here.

Examples:
  silentlink host
  silentlink host --filter blur --name dana
  silentlink host --room amber-falcon-harbor-dusk --pass "three green kettles"
  silentlink host --no-media --save-dir ~/Downloads`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startHosting()
	},
}

func startHosting() error {
	cfg, err := loadCallConfig(hostSTUN, hostLink, hostSaveDir, hostWindow)
	if err != nil {
		return err
	}

	room := hostRoom
	if room == "" {
		room = invite.NewRoomID()
	}
	pass := hostPass
	if pass == "" {
		pass = invite.NewPassphrase()
	}

	filter, err := resolveFilter(hostFilter)
	if err != nil {
		return err
	}

	capture, err := openCapture(cfg, hostNoMedia)
	if err != nil {
		return err
	}

	sess, err := newCallSession(cfg, session.Options{
		RoomID:        room,
		Passphrase:    pass,
		DisplayName:   hostName,
		DefaultFilter: filter,
		Capture:       capture,
	})
	if err != nil {
		if capture != nil {
			capture.Close()
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	stop := ui.RunConnectionSpinner("Gathering connection candidates...")
	offer, err := sess.StartAsInitiator(ctx)
	stop()
	if err != nil {
		sess.Exit()
		return err
	}

	link := sess.InviteLink(offer)
	fmt.Println()
	ui.RenderCallInvite(room, pass, link)
	fmt.Println()
	ui.PrintPayload("Offer payload (send this to your peer)", offer)
	ui.PrintInviteLink(link)

	reader := bufio.NewReader(os.Stdin)
	if _, err := awaitPayload(reader, sess, "Paste the answer payload:"); err != nil {
		sess.Exit()
		return err
	}

	return finishCall(sess)
}

func init() {
	rootCmd.AddCommand(hostCmd)

	hostCmd.Flags().StringVarP(&hostRoom, "room", "r", "", "Room name (generated when omitted)")
	hostCmd.Flags().StringVarP(&hostPass, "pass", "p", "", "Shared passphrase (generated when omitted)")
	hostCmd.Flags().StringVarP(&hostName, "name", "n", "", "Display name shown to the peer")
	hostCmd.Flags().StringVarP(&hostSTUN, "stun", "s", "", "Custom STUN server")
	hostCmd.Flags().StringVarP(&hostLink, "link-base", "l", "", "Base URL for the invite link")
	hostCmd.Flags().StringVarP(&hostSaveDir, "save-dir", "o", "", "Directory for received files")
	hostCmd.Flags().StringVarP(&hostFilter, "filter", "f", "", "Initial privacy filter (none, blur, mosaic, hidden)")
	hostCmd.Flags().DurationVarP(&hostWindow, "window", "w", 0, "Handshake validity window")
	hostCmd.Flags().BoolVar(&hostNoMedia, "no-media", false, "Host without camera or microphone (chat and files only)")
}
