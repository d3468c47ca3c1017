package fetch

import (
	"github.com/meigma/pagestrip/event"
)

// progress throttles Progress events for one download attempt.
type progress struct {
	req        Request
	total      int64
	step       int
	batch      *batchItem
	downloaded int64
	reported   int64
	percent    int
}

func newProgress(req Request, total int64, step int, batch *batchItem) *progress {
	if batch != nil {
		batch.update(total, 0)
	}
	return &progress{req: req, total: total, step: step, batch: batch}
}

// advance records n more bytes and returns a Progress event if one is due.
func (p *progress) advance(n int64) (event.Progress, bool) {
	p.downloaded += n
	if p.batch != nil {
		p.batch.update(p.total, p.downloaded)
	}
	pct := percentOf(p.downloaded, p.total)
	if p.step > 0 && p.total > 0 && pct < p.percent+p.step && pct < 100 {
		return event.Progress{}, false
	}
	return p.emit(pct), true
}

// done returns a final Progress event if bytes were read since the last one.
func (p *progress) done() (event.Progress, bool) {
	if p.downloaded == p.reported {
		return event.Progress{}, false
	}
	pct := 100
	if p.total > 0 {
		pct = percentOf(p.downloaded, p.total)
	}
	return p.emit(pct), true
}

func (p *progress) emit(pct int) event.Progress {
	e := event.Progress{
		URL:        p.req.URL,
		Name:       p.req.Name,
		Downloaded: p.downloaded,
		Delta:      p.downloaded - p.reported,
		Total:      p.total,
		Percent:    pct,
	}
	p.reported = p.downloaded
	p.percent = pct
	return e
}

func percentOf(n, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(min(n*100/total, 100))
}
