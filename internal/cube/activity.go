// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package cube

import (
	"time"

	"github.com/goccy/go-json"
)

// Action discriminates the four activity variants on the wire.
type Action string

const (
	ActionMerge    Action = "merge"
	ActionBlend    Action = "blend"
	ActionPosblend Action = "posblend"
	ActionPublish  Action = "publish"
)

// Status is the lifecycle state of an activity row.
type Status string

const (
	StatusNotDone Status = "NOTDONE"
	StatusDone    Status = "DONE"
	StatusError   Status = "ERROR"
)

// Timestamp layouts and the sentinel values used before a stage has run.
// The sentinels are part of the wire format inherited from the original
// control tables.
const (
	TimeLayout = "2006-01-02 15:04:05"
	DateLayout = "2006-01-02"

	PendingStart = "SSSS-SS-SS"
	PendingEnd   = "EEEE-EE-EE"
	NoDataStart  = "XXXX-XX-XX"
	NoDataEnd    = "YYYY-YY-YY"
)

// Reserved sort keys.
const (
	SKNoScenes = "NOSCENES"
	SKAllBands = "ALLBANDS"
)

// Job carries the run parameters every stage needs: cube names, bands,
// grid resolution, mask, and flags. It is derived once from the Descriptor
// at fan-out and then travels with each activity.
type Job struct {
	DataCube          string `json:"datacube"`
	IrregularDataCube string `json:"irregular_datacube"`
	Version           string `json:"version"`

	Satellite string   `json:"satellite"`
	Datasets  []string `json:"datasets"`

	Bands          []string                  `json:"bands"`
	BandIDs        map[string]string         `json:"bands_ids"`
	Expressions    map[string]BandExpression `json:"bands_expressions,omitempty"`
	QuicklookBands []string                  `json:"quicklook"`
	QualityBand    string                    `json:"quality_band"`
	InternalBands  []string                  `json:"internal_bands"`

	ResX   float64 `json:"resx"`
	ResY   float64 `json:"resy"`
	Nodata int64   `json:"nodata"`
	CRS    string  `json:"srs"`

	Bucket    string              `json:"bucket_name"`
	Functions []CompositeFunction `json:"functions"`
	Mask      Mask                `json:"mask"`

	IndexesOnlyRegularCube bool `json:"indexes_only_regular_cube"`
	Force                  bool `json:"force"`
}

// HasFunction reports whether the job generates the given composite.
func (j *Job) HasFunction(f CompositeFunction) bool {
	for _, fn := range j.Functions {
		if fn == f {
			return true
		}
	}
	return false
}

// JobFromDescriptor derives the wire job from a validated descriptor.
// The regular cube keeps the descriptor name; the irregular (identity) cube
// name replaces the composite suffix with IDT.
func JobFromDescriptor(d *Descriptor, bucket string, force bool) Job {
	internal := d.InternalBands
	if len(internal) == 0 {
		internal = DefaultInternalBands
	}
	return Job{
		DataCube:               d.Name,
		IrregularDataCube:      CubeRoot(d.Name) + "_IDT",
		Version:                d.FormattedVersion(),
		Satellite:              d.Satellite,
		Datasets:               d.Datasets,
		Bands:                  d.Bands,
		BandIDs:                d.BandIDs,
		Expressions:            d.Expressions,
		QuicklookBands:         d.QuicklookBands,
		QualityBand:            d.QualityBand,
		InternalBands:          internal,
		ResX:                   d.ResX,
		ResY:                   d.ResY,
		Nodata:                 d.Nodata,
		CRS:                    d.CRS,
		Bucket:                 bucket,
		Functions:              d.Functions,
		Mask:                   d.Mask,
		IndexesOnlyRegularCube: d.IndexesOnlyRegularCube,
		Force:                  force,
	}
}

// TileContext pins an activity to one (tile, period) cell.
type TileContext struct {
	TileID int64           `json:"tile_id"`
	Name   string          `json:"tileid"`
	Geom   json.RawMessage `json:"geom,omitempty"`

	XMin  float64 `json:"xmin"`
	YMax  float64 `json:"ymax"`
	DistX float64 `json:"dist_x"`
	DistY float64 `json:"dist_y"`

	Start   string `json:"start"`
	End     string `json:"end"`
	Dirname string `json:"dirname"`

	Shape     []int    `json:"shape,omitempty"`
	ListDates []string `json:"list_dates,omitempty"`
}

// MergeTask is the payload of a merge activity: one (band, dataset, date).
type MergeTask struct {
	Band         string   `json:"band"`
	Dataset      string   `json:"dataset"`
	Date         string   `json:"date"`
	Links        []string `json:"links"`
	SourceNodata *int64   `json:"source_nodata,omitempty"`
	ARDFile      string   `json:"ard_file"`
}

// SceneRef points a blend at one merged date: quality statistics plus the
// object keys of the ARD files per band.
type SceneRef struct {
	Date       string            `json:"date"`
	Dataset    string            `json:"dataset"`
	Satellite  string            `json:"satellite"`
	Efficacy   float64           `json:"efficacy"`
	CloudRatio float64           `json:"cloudratio"`
	ARDFiles   map[string]string `json:"ard_files"`
}

// BlendTask is the payload of a blend activity: one band (or internal band)
// composited across the period's scenes.
type BlendTask struct {
	Band         string                       `json:"band"`
	InternalBand string                       `json:"internal_band,omitempty"`
	Scenes       map[string]SceneRef          `json:"scenes"`
	Outputs      map[CompositeFunction]string `json:"outputs"`
}

// PosblendTask is the payload of a posblend activity: one spectral index,
// either over the period composites or over a single date.
type PosblendTask struct {
	IndexName string `json:"index_name"`
	// Date is set for a per-date (identity) target.
	Date string `json:"date,omitempty"`
	// Composite maps function -> band -> input key for composite targets.
	Composite map[CompositeFunction]map[string]string `json:"composite,omitempty"`
	// PerDate maps band -> input key for the Date target.
	PerDate map[string]string `json:"per_date,omitempty"`
}

// PublishScene is one identity date to register during publish.
type PublishScene struct {
	Date       string            `json:"date"`
	CloudRatio float64           `json:"cloudratio"`
	ARDFiles   map[string]string `json:"ard_files"`
}

// PublishTask is the payload of the single publish activity of a
// (tile, period).
type PublishTask struct {
	Scenes     map[string]PublishScene                 `json:"scenes"`
	Blended    map[string]map[CompositeFunction]string `json:"blended"`
	IndexNames []string                                `json:"index_names,omitempty"`
}

// Activity is the unit of work. The envelope is common to all four actions;
// exactly one payload pointer is set, matching Action.
type Activity struct {
	Action Action `json:"action"`
	Key    string `json:"dynamoKey"`
	SK     string `json:"sk"`

	Status   Status `json:"mystatus"`
	MyStart  string `json:"mystart"`
	MyEnd    string `json:"myend"`
	MyLaunch string `json:"mylaunch"`

	Efficacy   float64 `json:"efficacy"`
	CloudRatio float64 `json:"cloudratio"`

	InstancesToBeDone      int `json:"instancesToBeDone"`
	TotalInstancesToBeDone int `json:"totalInstancesToBeDone"`

	Errors *StageError `json:"errors,omitempty"`

	Job  Job         `json:"job"`
	Tile TileContext `json:"tile"`

	Merge    *MergeTask    `json:"merge,omitempty"`
	Blend    *BlendTask    `json:"blend,omitempty"`
	Posblend *PosblendTask `json:"posblend,omitempty"`
	Publish  *PublishTask  `json:"publish,omitempty"`
}

// NewEnvelope builds the common fields of a fresh NOTDONE activity.
func NewEnvelope(action Action, job Job, tile TileContext) Activity {
	return Activity{
		Action:     action,
		Status:     StatusNotDone,
		MyStart:    PendingStart,
		MyEnd:      PendingEnd,
		MyLaunch:   time.Now().Format(TimeLayout),
		Efficacy:   0,
		CloudRatio: 100,
		Job:        job,
		Tile:       tile,
	}
}

// MarkStarted stamps the worker start time.
func (a *Activity) MarkStarted() {
	a.MyStart = time.Now().Format(TimeLayout)
}

// MarkDone flips the activity to DONE with an end timestamp.
func (a *Activity) MarkDone() {
	a.Status = StatusDone
	a.MyEnd = time.Now().Format(TimeLayout)
	a.Errors = nil
}

// MarkError flips the activity to ERROR, recording the failing step.
func (a *Activity) MarkError(step, message string) {
	a.Status = StatusError
	a.MyEnd = time.Now().Format(TimeLayout)
	a.Errors = &StageError{Step: step, Message: message}
}

// Encode serializes the activity for the queue and the activity table.
func (a *Activity) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeActivity parses an activity from its wire form and checks the
// payload matches the action discriminator.
func DecodeActivity(data []byte) (*Activity, error) {
	var a Activity
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, NewInputError("decode", err.Error())
	}
	// Error markers (NOSCENES, failed ALLBANDS rows) carry no payload.
	ok := a.Status == StatusError
	switch a.Action {
	case ActionMerge:
		ok = ok || a.Merge != nil
	case ActionBlend:
		ok = ok || a.Blend != nil
	case ActionPosblend:
		ok = ok || a.Posblend != nil
	case ActionPublish:
		ok = ok || a.Publish != nil
	default:
		return nil, NewInputError("decode", "unknown action "+string(a.Action))
	}
	if !ok {
		return nil, NewInputError("decode", "activity payload missing for action "+string(a.Action))
	}
	return &a, nil
}
