package models

// Position is one participant's avatar location in its room.
type Position struct {
	ID   string  `json:"participantId"`
	Room string  `json:"roomId"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// PositionBroadcast is the room snapshot sent after somebody moves.
type PositionBroadcast struct {
	All   []Position `json:"allPositions"`
	Mover Position   `json:"mover"`
}

// RoomInfo is returned by the room administration API.
type RoomInfo struct {
	ID           string     `json:"id"`
	PlayerCount  int        `json:"playerCount"`
	Participants []Position `json:"participants"`
}

// LoginRequest is the operator login body.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the operator token.
type LoginResponse struct {
	Token string `json:"token"`
}
