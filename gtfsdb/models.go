package gtfsdb

import "database/sql"

// FeedSource is one upstream agency or regional publisher.
type FeedSource struct {
	ID          int64
	Name        string
	Description sql.NullString
	Lang        sql.NullString
}

// FeedVersion is one immutable, content-addressed snapshot of a source's
// static feed.
type FeedVersion struct {
	ID           int64
	FeedSourceID int64
	Label        string
	CreatedAt    int64
	StartDate    sql.NullInt64
	EndDate      sql.NullInt64
	IsActive     bool
}

type CreateAgencyParams struct {
	AgencyID string
	Name     string
	Url      sql.NullString
	Timezone string
	Lang     sql.NullString
	Phone    sql.NullString
	FareUrl  sql.NullString
	Email    sql.NullString
}

type CreateLevelParams struct {
	LevelID    string
	LevelIndex sql.NullFloat64
	LevelName  sql.NullString
}

type CreateStopParams struct {
	StopID             string
	Code               sql.NullString
	Name               sql.NullString
	Desc               sql.NullString
	Lat                sql.NullFloat64
	Lon                sql.NullFloat64
	ZoneID             sql.NullString
	Url                sql.NullString
	LocationType       sql.NullInt64
	ParentStation      sql.NullString
	Timezone           sql.NullString
	WheelchairBoarding sql.NullInt64
	LevelID            sql.NullInt64
	PlatformCode       sql.NullString
}

type CreateRouteParams struct {
	RouteID           string
	AgencyID          sql.NullInt64
	ShortName         sql.NullString
	LongName          sql.NullString
	Desc              sql.NullString
	Type              int64
	Url               sql.NullString
	Color             sql.NullString
	TextColor         sql.NullString
	ContinuousPickup  sql.NullInt64
	ContinuousDropOff sql.NullInt64
	SortOrder         sql.NullInt64
}

type CreateCalendarParams struct {
	ServiceID string
	Monday    int64
	Tuesday   int64
	Wednesday int64
	Thursday  int64
	Friday    int64
	Saturday  int64
	Sunday    int64
	StartDate int64
	EndDate   int64
}

type CreateCalendarDateParams struct {
	ServiceID     string
	Date          int64
	ExceptionType int64
}

type CreateTripParams struct {
	TripID               string
	RouteID              int64
	ServiceID            string
	TripHeadsign         sql.NullString
	TripShortName        sql.NullString
	DirectionID          sql.NullInt64
	BlockID              sql.NullString
	ShapeID              sql.NullString
	WheelchairAccessible sql.NullInt64
	BikesAllowed         sql.NullInt64
}

type CreateStopTimeParams struct {
	TripID            int64
	StopID            int64
	StopSequence      int64
	ArrivalTime       sql.NullInt64
	DepartureTime     sql.NullInt64
	StopHeadsign      sql.NullString
	PickupType        sql.NullInt64
	DropOffType       sql.NullInt64
	ShapeDistTraveled sql.NullFloat64
	Timepoint         sql.NullInt64
}

type CreateShapeParams struct {
	ShapeID      string
	Lat          float64
	Lon          float64
	PtSequence   int64
	DistTraveled sql.NullFloat64
}

type CreateFareAttributeParams struct {
	FareID           string
	Price            sql.NullFloat64
	CurrencyType     sql.NullString
	PaymentMethod    sql.NullInt64
	Transfers        sql.NullInt64
	AgencyID         sql.NullInt64
	TransferDuration sql.NullInt64
}

type CreateFareRuleParams struct {
	FareAttributeID int64
	RouteID         sql.NullInt64
	OriginID        sql.NullString
	DestinationID   sql.NullString
	ContainsID      sql.NullString
}

type CreateTransferParams struct {
	FromStopID      int64
	ToStopID        int64
	TransferType    sql.NullInt64
	MinTransferTime sql.NullInt64
}

type CreateFrequencyParams struct {
	TripID      int64
	StartTime   int64
	EndTime     int64
	HeadwaySecs int64
	ExactTimes  sql.NullInt64
}

type CreateAttributionParams struct {
	AttributionID    string
	OrganizationName string
	IsProducer       sql.NullInt64
	IsOperator       sql.NullInt64
	IsAuthority      sql.NullInt64
	AttributionUrl   sql.NullString
	AttributionEmail sql.NullString
	AttributionPhone sql.NullString
}

type CreatePathwayParams struct {
	PathwayID            string
	FromStopID           int64
	ToStopID             int64
	PathwayMode          sql.NullInt64
	IsBidirectional      sql.NullInt64
	Length               sql.NullFloat64
	TraversalTime        sql.NullInt64
	StairCount           sql.NullInt64
	MaxSlope             sql.NullFloat64
	MinWidth             sql.NullFloat64
	SignpostedAs         sql.NullString
	ReversedSignpostedAs sql.NullString
}

type CreateTripUpdateParams struct {
	FeedSourceID  int64
	TripNaturalID string
	TripID        sql.NullInt64
	Timestamp     int64
	DelaySeconds  int64
	Status        string
	VehicleID     sql.NullString
}

type CreateVehiclePositionParams struct {
	FeedSourceID     int64
	VehicleNaturalID string
	TripNaturalID    sql.NullString
	TripID           sql.NullInt64
	Lat              sql.NullFloat64
	Lon              sql.NullFloat64
	Bearing          sql.NullFloat64
	Status           sql.NullString
	Timestamp        int64
}

type CreateServiceAlertParams struct {
	FeedSourceID   int64
	AlertNaturalID string
	Cause          sql.NullString
	Effect         sql.NullString
	Header         sql.NullString
	Description    sql.NullString
	Url            sql.NullString
	StartTime      sql.NullInt64
	EndTime        sql.NullInt64
	RouteID        sql.NullInt64
	StopID         sql.NullInt64
	TripID         sql.NullInt64
}

// ServiceAlert is a stored alert row (one per informed entity).
type ServiceAlert struct {
	ID             int64
	FeedSourceID   int64
	AlertNaturalID string
	Cause          sql.NullString
	Effect         sql.NullString
	Header         sql.NullString
	Description    sql.NullString
	Url            sql.NullString
	StartTime      sql.NullInt64
	EndTime        sql.NullInt64
	RouteID        sql.NullInt64
	StopID         sql.NullInt64
	TripID         sql.NullInt64
	CreatedAt      int64
}

// TripUpdate is a stored historized trip delay observation.
type TripUpdate struct {
	ID            int64
	FeedSourceID  int64
	TripNaturalID string
	TripID        sql.NullInt64
	Timestamp     int64
	DelaySeconds  int64
	Status        string
	VehicleID     sql.NullString
	CreatedAt     int64
}

// Stop is a stored stop row, used by tests and the parent-link pass.
type Stop struct {
	ID              int64
	FeedVersionID   int64
	StopID          string
	Name            sql.NullString
	ParentStation   sql.NullString
	ParentStationID sql.NullInt64
}
