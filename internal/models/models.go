package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Place pairs a human-readable address with its resolved coordinate.
type Place struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coord"`
}

type VehicleClass string

const (
	VehicleAuto VehicleClass = "auto"
	VehicleCar  VehicleClass = "car"
	VehicleMoto VehicleClass = "moto"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case VehicleAuto, VehicleCar, VehicleMoto:
		return true
	}
	return false
}

type RideStatus string

const (
	StatusPending   RideStatus = "pending"
	StatusConfirmed RideStatus = "confirmed"
	StatusStarted   RideStatus = "started"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

type Ride struct {
	ID           string       `json:"id"`
	RiderID      string       `json:"rider_id"`
	CaptainID    string       `json:"captain_id,omitempty"` // empty until confirmed
	Pickup       Place        `json:"pickup"`
	Destination  Place        `json:"destination"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Fare         int64        `json:"fare"`
	OTP          string       `json:"otp,omitempty"`
	PaymentRef   string       `json:"-"`
	Status       RideStatus   `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ForCaptain returns a copy of the ride with the OTP withheld. Captains
// never see the code; the rider reads it out at pickup.
func (r Ride) ForCaptain() Ride {
	r.OTP = ""
	return r
}

type Captain struct {
	ID           string       `json:"id"`
	Loc          Coord        `json:"loc"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	IsAvailable  bool         `json:"is_available"`
	SessionRef   string       `json:"session_ref,omitempty"` // empty when offline
	Updated      time.Time    `json:"updated"`
}

// LocationUpdate is the captain location message carried over Kafka.
type LocationUpdate struct {
	CaptainID    string       `json:"captain_id"`
	Loc          Coord        `json:"loc"`
	VehicleClass VehicleClass `json:"vehicle_class,omitempty"`
	IsAvailable  bool         `json:"is_available"`
	SentAt       time.Time    `json:"sent_at"`
}
