package tunnel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	MessageTypeChat             = "chat"
	MessageTypeFileMeta         = "file-meta"
	MessageTypePrivacyUpdate    = "privacy-update"
	MessageTypeSessionTerminate = "session-terminate"
)

// FileMeta announces a file transfer. It travels as structured text;
// only the chunk bodies that follow are encrypted.
type FileMeta struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// PrivacyUpdate mirrors the sender's local privacy controls so the
// remote UI can label the call without seeing any pixels.
type PrivacyUpdate struct {
	Filter       string `json:"filter"`
	AudioEnabled bool   `json:"audioEnabled"`
	VideoEnabled bool   `json:"videoEnabled"`
}

type chatEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
	IV   string `json:"iv"`
}

type fileMetaEnvelope struct {
	Type string `json:"type"`
	FileMeta
}

type privacyEnvelope struct {
	Type string `json:"type"`
	PrivacyUpdate
}

type typeProbe struct {
	Type string `json:"type"`
}

func marshalChat(ciphertext, iv []byte) ([]byte, error) {
	return json.Marshal(chatEnvelope{
		Type: MessageTypeChat,
		Data: base64.StdEncoding.EncodeToString(ciphertext),
		IV:   base64.StdEncoding.EncodeToString(iv),
	})
}

func marshalFileMeta(meta FileMeta) ([]byte, error) {
	return json.Marshal(fileMetaEnvelope{Type: MessageTypeFileMeta, FileMeta: meta})
}

func marshalPrivacyUpdate(update PrivacyUpdate) ([]byte, error) {
	return json.Marshal(privacyEnvelope{Type: MessageTypePrivacyUpdate, PrivacyUpdate: update})
}

func marshalTerminate() ([]byte, error) {
	return json.Marshal(typeProbe{Type: MessageTypeSessionTerminate})
}

// envelope is the decoded form of one text frame.
type envelope struct {
	Type    string
	Chat    struct{ Ciphertext, IV []byte }
	Meta    FileMeta
	Privacy PrivacyUpdate
}

// parseEnvelope decodes a text frame. Unknown envelope types are
// reported, not fatal: a newer peer may speak additions we skip.
func parseEnvelope(raw []byte) (*envelope, error) {
	var probe typeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, NewError("parse envelope", err)
	}

	env := &envelope{Type: probe.Type}
	switch probe.Type {
	case MessageTypeChat:
		var ch chatEnvelope
		if err := json.Unmarshal(raw, &ch); err != nil {
			return nil, NewError("parse chat envelope", err)
		}
		ciphertext, err := base64.StdEncoding.DecodeString(ch.Data)
		if err != nil {
			return nil, WrapError("parse chat envelope", err, "data is not base64")
		}
		iv, err := base64.StdEncoding.DecodeString(ch.IV)
		if err != nil {
			return nil, WrapError("parse chat envelope", err, "iv is not base64")
		}
		env.Chat.Ciphertext = ciphertext
		env.Chat.IV = iv

	case MessageTypeFileMeta:
		var fm fileMetaEnvelope
		if err := json.Unmarshal(raw, &fm); err != nil {
			return nil, NewError("parse file-meta envelope", err)
		}
		if fm.ID == "" || fm.Name == "" || fm.Size < 0 {
			return nil, WrapError("parse file-meta envelope", ErrMalformedEnvelope,
				fmt.Sprintf("id=%q name=%q size=%d", fm.ID, fm.Name, fm.Size))
		}
		env.Meta = fm.FileMeta

	case MessageTypePrivacyUpdate:
		var pu privacyEnvelope
		if err := json.Unmarshal(raw, &pu); err != nil {
			return nil, NewError("parse privacy-update envelope", err)
		}
		env.Privacy = pu.PrivacyUpdate

	case MessageTypeSessionTerminate:

	default:
		return nil, WrapError("parse envelope", ErrMalformedEnvelope,
			fmt.Sprintf("unknown type %q", probe.Type))
	}
	return env, nil
}
