// Package protocol defines the control-channel wire format and the A/V
// datagram headers.
//
// The control channel carries tagged JSON records, one struct per message
// type, discriminated by a "type" field. Decoding peeks the type with a
// lightweight header struct, then re-unmarshals the full payload into the
// concrete type — the same two-pass shape this project has always used for
// a tagged-union wire format, minus the nested "data" envelope: these
// records are flat, matching the field layout participants actually expect
// on the wire (client_id, participants, etc. at the top level).
package protocol

import (
	"encoding/json"
	"time"

	"github.com/akinalpfdn/lanhub/errs"
)

// Message type discriminators. One constant per row of the control-channel
// message catalog.
const (
	TypeLogin        = "login"
	TypeLoginSuccess = "login_success"
	TypeLoginError   = "login_error"
	TypeLogout       = "logout"
	TypeHeartbeat    = "heartbeat"

	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeHostChanged = "host_changed"

	TypeChat = "chat"

	TypeMediaState = "media_state"

	TypeRequestPresenter  = "request_presenter"
	TypePresenterGranted  = "presenter_granted"
	TypePresenterDenied   = "presenter_denied"
	TypePresenterChanged  = "presenter_changed"
	TypeStopPresenting    = "stop_presenting"
	TypeScreenFrame       = "screen_frame"

	TypeForceMute             = "force_mute"
	TypeForceVideoOff         = "force_video_off"
	TypeForceStopPresenting   = "force_stop_presenting"
	TypeForceStopScreenShare  = "force_stop_screen_sharing"
	TypeForceMuteAll          = "force_mute_all"
	TypeForceVideoOffAll      = "force_video_off_all"
	TypeHostRequest           = "host_request"
	TypeSetPermission         = "set_permission"
	TypeKick                  = "kick"

	TypeFileOffer        = "file_offer"
	TypeFileUploadPort   = "file_upload_port"
	TypeFileAvailable    = "file_available"
	TypeFileRequest      = "file_request"
	TypeFileDownloadPort = "file_download_port"
	TypeGetFilesList     = "get_files_list"
	TypeFilesListUpdate  = "files_list_update"
	TypeFileError        = "file_error"

	TypePermissionError = "permission_error"
	TypeServerShutdown  = "server_shutdown"
	TypeRateLimited      = "rate_limited"
)

// Header carries the two fields every record shares. Decode uses it to peek
// the discriminator before committing to a concrete type.
type Header struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// NewHeader stamps a header with the current time in RFC 3339, the
// timestamp format every other record on the wire uses.
func NewHeader(typ string) Header {
	return Header{Type: typ, Timestamp: time.Now().Format(time.RFC3339)}
}

// ParticipantView is the roster shape sent in login_success.
type ParticipantView struct {
	ID              int  `json:"id"`
	Name            string `json:"name"`
	IsHost          bool `json:"is_host"`
	VideoOn         bool `json:"video_on"`
	AudioOn         bool `json:"audio_on"`
	ScreenSharing   bool `json:"screen_sharing"`
	IsPresenter     bool `json:"is_presenter"`
}

// ChatView is the shape of one chat_history entry and of a fanned-out chat.
type ChatView struct {
	Header
	SenderID   int    `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
}

// SharedFileView is the shape of one shared_files entry.
type SharedFileView struct {
	FID        string `json:"fid"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Uploader   string `json:"uploader"`
	UploadedAt string `json:"uploaded_at"`
}

type Login struct {
	Header
	Name string `json:"name"`
}

type LoginSuccess struct {
	Header
	ClientID     int                       `json:"client_id"`
	Participants []ParticipantView         `json:"participants"`
	ChatHistory  []ChatView                `json:"chat_history"`
	SharedFiles  map[string]SharedFileView `json:"shared_files"`
	HostID       int                       `json:"host_id"`
}

type LoginError struct {
	Header
	Reason string `json:"reason"`
}

type Logout struct {
	Header
}

type Heartbeat struct {
	Header
}

type UserJoined struct {
	Header
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type UserLeft struct {
	Header
	ID     int    `json:"id"`
	Reason string `json:"reason,omitempty"`
}

type HostChanged struct {
	Header
	HostID int `json:"host_id"`
}

type Chat struct {
	Header
	Text       string `json:"text"`
	SenderID   int    `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
}

type MediaState struct {
	Header
	ID      int  `json:"id,omitempty"`
	VideoOn bool `json:"video_on"`
	AudioOn bool `json:"audio_on"`
}

type RequestPresenter struct {
	Header
}

type PresenterGranted struct {
	Header
}

type PresenterDenied struct {
	Header
	Reason string `json:"reason,omitempty"`
}

type PresenterChanged struct {
	Header
	PresenterID *int `json:"presenter_id"`
}

// StopPresenting is the presenter's own voluntary release of the slot, the
// client → server counterpart to force_stop_presenting.
type StopPresenting struct {
	Header
}

type ScreenFrame struct {
	Header
	FrameData []byte `json:"frame_data"`
}

type ForceTarget struct {
	Header
	TargetClient int `json:"target_client,omitempty"`
}

type HostRequest struct {
	Header
	TargetClient int    `json:"target_client"`
	RequestType  string `json:"request_type"`
	Message      string `json:"message"`
}

type SetPermission struct {
	Header
	Target int    `json:"target"`
	Field  string `json:"field"`
	Value  bool   `json:"value"`
}

type Kick struct {
	Header
	Target int `json:"target"`
}

type FileOffer struct {
	Header
	FID      string `json:"fid"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type FileUploadPort struct {
	Header
	FID  string `json:"fid"`
	Port int    `json:"port"`
}

type FileAvailable struct {
	Header
	FID      string `json:"fid"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Uploader string `json:"uploader"`
}

type FileRequest struct {
	Header
	FID string `json:"fid"`
}

type FileDownloadPort struct {
	Header
	FID  string `json:"fid"`
	Port int    `json:"port"`
	Size int64  `json:"size"`
}

type GetFilesList struct {
	Header
}

type FilesListUpdate struct {
	Header
	SharedFiles map[string]SharedFileView `json:"shared_files"`
}

type FileError struct {
	Header
	FID    string `json:"fid,omitempty"`
	Reason string `json:"reason"`
}

type PermissionError struct {
	Header
	Message string `json:"message"`
}

type ServerShutdown struct {
	Header
}

type RateLimited struct {
	Header
	RetryAfterS int `json:"retry_after_s"`
}

// PeekType extracts the type discriminator without committing to a
// concrete payload shape.
func PeekType(raw []byte) (string, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return "", err
	}
	if h.Type == "" {
		return "", errs.ErrMissingType
	}
	return h.Type, nil
}
