package workflow

import (
	"github.com/offerpipe/offerpipe/ai"
	"github.com/offerpipe/offerpipe/approval"
	"github.com/offerpipe/offerpipe/catalog"
	"github.com/offerpipe/offerpipe/config"
	"github.com/offerpipe/offerpipe/discount"
	"github.com/offerpipe/offerpipe/engine"
	"github.com/offerpipe/offerpipe/event"
	"github.com/offerpipe/offerpipe/imaging"
	"github.com/offerpipe/offerpipe/persistence"
)

const WORKFLOW_PARSE string = "parse"
const WORKFLOW_MATCH string = "match"
const WORKFLOW_IMAGES string = "images"

// Deps carries every collaborator the workflow steps need. Constructed
// once by the agent and shared; workflows hold no state of their own.
type Deps struct {
	Storage    persistence.Storage
	Bus        event.Bus
	Downloader Downloader
	Extractor  ai.Extractor
	Scorer     ai.Scorer
	Catalog    catalog.Client
	Evaluator  *approval.Evaluator
	Discounts  *discount.Applier
	Images     *imaging.Pipeline
	Pipeline   config.PipelineConfig
	Approval   config.ApprovalConfig
}

// RegisterAll wires the three workflows into the engine.
func RegisterAll(e *engine.Engine, d Deps) {
	e.Register(Parse(d))
	e.Register(Match(d))
	e.Register(Images(d))
}
