package proto

// Modes accepted by set_mode.
const (
	ModeAutomatic = "AUTO"
	ModeManual    = "MAN"
)

type SetAreaArg struct {
	ClientID    int          `json:"client_id"`
	Coordinates []Coordinate `json:"coordinates"`
	Bounds      Bounds       `json:"bounds"`
}

type RequestViewArg struct {
	ClientID    int  `json:"client_id"`
	Coordinates View `json:"coordinates"`
}

type RequestPriorityViewArg struct {
	ClientID    int  `json:"client_id"`
	Coordinates View `json:"coordinates"`
	Urgent      bool `json:"isUrgent"`
}

type SetModeArg struct {
	Mode string `json:"mode"`
	Zoom *View  `json:"zoom,omitempty"`
}

// ImageData is one picture in a request_view reply.
type ImageData struct {
	Type        string `json:"type"`
	Prioritized bool   `json:"prioritized"`
	ImageID     int    `json:"image_id"`
	URL         string `json:"url"`
	TimeTaken   int64  `json:"time_taken,omitempty"`
	Coordinates View   `json:"coordinates"`
}

type RequestViewReply struct {
	ImageData []ImageData `json:"image_data"`
}

type RequestPriorityViewReply struct {
	ForceQueueID int `json:"force_que_id"`
}

type QueueETAReply struct {
	ETA int64 `json:"ETA"`
}

// DroneInfo is one entry of a get_info reply.
type DroneInfo struct {
	DroneID     int     `json:"drone-id"`
	TimeToBingo float64 `json:"time2bingo"`
}

type GetInfoReply struct {
	Data []DroneInfo `json:"data"`
}
