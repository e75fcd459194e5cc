package model

import (
	"time"

	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent
// persistent tables in the database schema. Staging relations are created on
// demand by the pipeline and are listed separately.
var DatabaseModels = []interface{}{
	&Vehicle{},
	&PassRecord{},
	&ImportBatch{},
	&ReconcileRun{},
}

// StagingModels are the intermediate relations of the import pipeline.
var StagingModels = []interface{}{
	&RawTrace{},
	&FilteredTrace{},
	&StagedPass{},
}

////////////////////////
// LEDGER MODELS
////////////////////////

// Vehicle is the ledger row for one registered plate
type Vehicle struct {
	ID             uint       `json:"id" gorm:"primarykey"`
	Username       string     `json:"username" gorm:"size:100"`
	Phone          string     `json:"phoneNum" gorm:"column:phone_num;size:11;not null"`
	Plate          string     `json:"plate" gorm:"size:20;not null;uniqueIndex:idx_vehicles_plate"`
	VehicleType    string     `json:"vehicleType" gorm:"size:50"`
	Bonus          float64    `json:"bonus" gorm:"default:1.0"`
	LastRecord     *string    `json:"lastRecord" gorm:"size:20"`
	LastRecordTime *time.Time `json:"lastRecordTime"`
	Mileage        float64    `json:"mileage" gorm:"default:0"`
	Points         float64    `json:"points" gorm:"default:0"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func (*Vehicle) TableName() string {
	return "vehicles"
}

// PassRecord is the append-only log of sequenced passes
type PassRecord struct {
	ID       uint      `json:"id" gorm:"primarykey"`
	Plate    string    `json:"plate" gorm:"size:20;not null;index:idx_pass_records_plate_time"`
	Mark     string    `json:"mark" gorm:"size:20;not null"`
	PassTime time.Time `json:"passTime" gorm:"index:idx_pass_records_plate_time"`
	BatchID  string    `json:"batchId" gorm:"size:36;index:idx_pass_records_batch"`
}

func (*PassRecord) TableName() string {
	return "pass_records"
}

////////////////////////
// STAGING MODELS
////////////////////////

// RawTrace is one uploaded CSV row, stored verbatim
type RawTrace struct {
	ID       uint    `gorm:"primarykey"`
	Plate    string  `gorm:"size:20"`
	PassTime string  `gorm:"size:32"`
	Mark     *string `gorm:"size:20"`
}

func (*RawTrace) TableName() string {
	return "raw_traces"
}

// FilteredTrace is a raw row that survived the vehicle join and time parse
type FilteredTrace struct {
	ID       uint      `gorm:"primarykey"`
	Plate    string    `gorm:"size:20;index:idx_filtered_traces_plate"`
	PassTime time.Time `gorm:"index:idx_filtered_traces_plate"`
	Mark     *string   `gorm:"size:20"`
	BatchID  string    `gorm:"size:36"`
}

func (*FilteredTrace) TableName() string {
	return "filtered_traces"
}

// StagedPass is a sequenced event awaiting reconciliation
type StagedPass struct {
	ID       uint      `gorm:"primarykey"`
	Plate    string    `gorm:"size:20;index:idx_staged_passes_plate_seq"`
	Seq      int       `gorm:"index:idx_staged_passes_plate_seq"`
	Mark     string    `gorm:"size:20"`
	PassTime time.Time
	BatchID  string    `gorm:"size:36"`
}

func (*StagedPass) TableName() string {
	return "staged_passes"
}

////////////////////////
// AUDIT MODELS
////////////////////////

// ImportBatch records the outcome of one trace ingest
type ImportBatch struct {
	ID               string     `json:"id" gorm:"primarykey;size:36"`
	RawRows          int        `json:"rawRows"`
	FilteredRows     int        `json:"filteredRows"`
	UnknownPlateRows int        `json:"unknownPlateRows"`
	BadTimeRows      int        `json:"badTimeRows"`
	SequencedRows    int        `json:"sequencedRows"`
	CreatedAt        time.Time  `json:"createdAt"`
	UndoneAt         *time.Time `json:"undoneAt,omitempty"`
}

func (*ImportBatch) TableName() string {
	return "import_batches"
}

// ReconcileRun records the outcome of one reconcile
type ReconcileRun struct {
	ID             uint           `json:"id" gorm:"primarykey"`
	StartedAt      time.Time      `json:"startedAt" gorm:"index:idx_reconcile_runs_started"`
	DurationMs     int64          `json:"durationMs"`
	Workers        int            `json:"workers"`
	Vehicles       int            `json:"vehicles"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	Skipped        int            `json:"skipped"`
	EventsApplied  int            `json:"eventsApplied"`
	EventsStale    int            `json:"eventsStale"`
	EventsRejected int            `json:"eventsRejected"`
	FailedPlates   datatypes.JSON `json:"failedPlates"`
}

func (*ReconcileRun) TableName() string {
	return "reconcile_runs"
}
