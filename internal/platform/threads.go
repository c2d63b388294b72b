package platform

import "github.com/kiranshivaraju/autopost/pkg/models"

const defaultThreadsMaxRunes = 500

// Threads is manual-assist: due jobs are handed back to the owner.
type Threads struct {
	maxRunes int
}

func NewThreads(maxRunes int) *Threads {
	if maxRunes <= 0 {
		maxRunes = defaultThreadsMaxRunes
	}
	return &Threads{maxRunes: maxRunes}
}

func (t *Threads) Name() models.Platform { return models.PlatformThreads }

func (t *Threads) MaxTextRunes() int { return t.maxRunes }

func (t *Threads) AssistMessage() string {
	return "Threads is manual-assist: post the text yourself, then mark the job complete."
}

var _ ManualAssistPlatform = (*Threads)(nil)
