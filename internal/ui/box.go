package ui

import (
	"fmt"
)

// CallInvite is everything the remote party needs to join: the room
// and passphrase that derive the key, and the link carrying both.
type CallInvite struct {
	RoomID     string
	Passphrase string
	Link       string
}

func NewCallInvite(roomID, passphrase, link string) *CallInvite {
	return &CallInvite{
		RoomID:     roomID,
		Passphrase: passphrase,
		Link:       link,
	}
}

func (c *CallInvite) View() string {
	content := fmt.Sprintf("%s Call Ready!\n\n%s Room:        %s\n%s Passphrase:  %s\n%s Invite Link: %s",
		IconSuccess,
		IconRoom, BoldStyle.Foreground(Primary).Render(c.RoomID),
		IconKey, BoldStyle.Foreground(Primary).Render(c.Passphrase),
		IconLink, MutedStyle.Render(truncateString(c.Link, 60)),
	)

	return SuccessBoxStyle.Render(content)
}

func RenderCallInvite(roomID, passphrase, link string) {
	fmt.Println(NewCallInvite(roomID, passphrase, link).View())
}

// PrintPayload writes a handshake payload for copying. The payload
// itself goes out unstyled on its own line; borders or colors would
// ride along with the selection.
func PrintPayload(title, payload string) {
	fmt.Println(TitleStyle.Render(fmt.Sprintf("%s %s", IconCopy, title)))
	fmt.Println(payload)
	fmt.Println()
}

// PrintInviteLink writes the full shareable link unstyled, for the
// same copy reason.
func PrintInviteLink(link string) {
	fmt.Println(TitleStyle.Render(fmt.Sprintf("%s Invite link", IconLink)))
	fmt.Println(link)
	fmt.Println()
}
