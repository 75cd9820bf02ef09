package imports

type Stage string

const (
	StagePending             Stage = "pending"
	StageDownloading         Stage = "downloading"
	StageQuickSummary        Stage = "quick_summary"
	StageChunking            Stage = "chunking"
	StageFactExtraction      Stage = "fact_extraction"
	StageMemoryGeneration    Stage = "memory_generation"
	StageSectionRegeneration Stage = "section_regeneration"
	StageComplete            Stage = "complete"
	StageFailed              Stage = "failed"
)

// Pipeline lists the working stages in execution order.
var Pipeline = []Stage{
	StageDownloading,
	StageQuickSummary,
	StageChunking,
	StageFactExtraction,
	StageMemoryGeneration,
	StageSectionRegeneration,
}

var stageRank = map[Stage]int{
	StagePending:             0,
	StageDownloading:         1,
	StageQuickSummary:        2,
	StageChunking:            3,
	StageFactExtraction:      4,
	StageMemoryGeneration:    5,
	StageSectionRegeneration: 6,
	StageComplete:            7,
	StageFailed:              7,
}

func (s Stage) Rank() int { return stageRank[s] }

func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

func (s Stage) Terminal() bool { return s == StageComplete || s == StageFailed }

// Milestone is the progress recorded once s is done. Chunking lands on 40 only when a
// quick summary was produced; otherwise it folds in the quick stage's share and lands on 60.
func (s Stage) Milestone(quickSummary bool) int {
	switch s {
	case StageDownloading, StagePending:
		return 0
	case StageQuickSummary:
		return 20
	case StageChunking:
		if quickSummary {
			return 40
		}
		return 60
	case StageFactExtraction:
		return 60
	case StageMemoryGeneration:
		return 80
	case StageSectionRegeneration, StageComplete:
		return 100
	default:
		return 0
	}
}

// Next returns the stage that follows s in the pipeline, or StageComplete.
func (s Stage) Next() Stage {
	if s == StagePending {
		return StageDownloading
	}
	for i, st := range Pipeline {
		if st == s && i+1 < len(Pipeline) {
			return Pipeline[i+1]
		}
	}
	return StageComplete
}

// ProfileStatus is the user-visible import state.
type ProfileStatus string

const (
	ProfileNone       ProfileStatus = "none"
	ProfileProcessing ProfileStatus = "processing"
	ProfileQuickReady ProfileStatus = "quick_ready"
	ProfileReady      ProfileStatus = "ready"
	ProfileFailed     ProfileStatus = "failed"
)
