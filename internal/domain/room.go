package domain

type RoomID string

// Room is a read-only view of one jam room on the relay.
type Room struct {
	ID      RoomID `json:"id"`
	Members int    `json:"members"`
}
