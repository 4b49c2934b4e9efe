package domain

type MessageType string

const (
	MessageRegister      MessageType = "register"
	MessageDeregister    MessageType = "deregister"
	MessageStartRequest  MessageType = "start_request"
	MessageOffer         MessageType = "offer"
	MessageAnswer        MessageType = "answer"
	MessageCandidate     MessageType = "candidate"
	MessageStatus        MessageType = "status"
	MessageStop          MessageType = "stop"
	MessageDeviceAdded   MessageType = "device_added"
	MessageDeviceRemoved MessageType = "device_removed"
	MessageError         MessageType = "error"
)

type PartyRole string

const (
	PartyDevice PartyRole = "device"
	PartyViewer PartyRole = "viewer"
)

// Party addresses one end of the signaling channel.
type Party struct {
	Role PartyRole
	ID   string
}

func DeviceParty(id DeviceID) Party { return Party{Role: PartyDevice, ID: string(id)} }
func ViewerParty(id ViewerID) Party { return Party{Role: PartyViewer, ID: string(id)} }

func (p Party) String() string { return string(p.Role) + ":" + p.ID }

// Message is the JSON frame exchanged over the signaling channel.
type Message struct {
	Type        MessageType         `json:"type"`
	DeviceID    DeviceID            `json:"device_id,omitempty"`
	ViewerID    ViewerID            `json:"viewer_id,omitempty"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *Candidate          `json:"candidate,omitempty"`
	Status      *Status             `json:"status,omitempty"`
	Device      *Device             `json:"device,omitempty"`
	Code        string              `json:"code,omitempty"`
	Message     string              `json:"message,omitempty"`
}
