package fatlink

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browser-fetch-engine/internal/clock/fake"
)

const seed = "https://a.example/"

func newGroup(t *testing.T, n int) (*FatLink, []*TailLink, *fake.Clock) {
	t.Helper()
	clk := fake.New(time.Unix(5000, 0).UTC())
	tails := make([]*TailLink, 0, n)
	for i := 0; i < n; i++ {
		tails = append(tails, NewTailLink(seed+"item/"+string(rune('a'+i)), seed))
	}
	return New(seed, tails, clk), tails, clk
}

func TestFatLinkFinishScenario(t *testing.T) {
	t.Parallel()

	link, tails, _ := newGroup(t, 3)
	require.Equal(t, 3, link.Size())
	require.Equal(t, StatusCreated, link.Status())

	require.True(t, link.Finish(tails[0], StatusOK))
	require.True(t, link.Finish(tails[1], StatusOK))
	require.False(t, link.IsFinished())
	require.Equal(t, 1, link.NumActive())
	require.Equal(t, StatusCreated, link.Status())

	require.True(t, link.Finish(tails[2], StatusOK))
	require.True(t, link.IsFinished())
	require.Zero(t, link.NumActive())
	require.Equal(t, StatusOK, link.Status())
	require.True(t, tails[2].IsFinished())
}

func TestFatLinkFinishRejectsNonMember(t *testing.T) {
	t.Parallel()

	link, _, _ := newGroup(t, 2)
	stranger := NewTailLink("https://a.example/other", seed)

	require.False(t, link.Finish(stranger, StatusOK))
	require.Zero(t, link.FinishedCount())
	require.Equal(t, StatusCreated, stranger.Status())
	require.False(t, link.Finish(nil, StatusOK))
}

func TestFatLinkFinishRejectsImpostorWithSameURL(t *testing.T) {
	t.Parallel()

	link, tails, _ := newGroup(t, 1)
	impostor := NewTailLink(tails[0].URL, seed)

	require.False(t, link.Finish(impostor, StatusOK))
	require.Zero(t, link.FinishedCount())
}

func TestFatLinkFinishRejectsReferrerMismatch(t *testing.T) {
	t.Parallel()

	tail := NewTailLink("https://a.example/x", "https://b.example/")
	link := New(seed, []*TailLink{tail}, fake.New(time.Unix(0, 0)))

	require.False(t, link.Finish(tail, StatusOK))
	require.Zero(t, link.FinishedCount())
	require.False(t, tail.IsFinished())
}

func TestFatLinkDuplicateFinishIsRejected(t *testing.T) {
	t.Parallel()

	link, tails, _ := newGroup(t, 2)
	require.True(t, link.Finish(tails[0], StatusOK))
	require.False(t, link.Finish(tails[0], StatusOK))
	require.Equal(t, 1, link.FinishedCount())
}

func TestFatLinkAbortClearedByFinish(t *testing.T) {
	t.Parallel()

	link, tails, _ := newGroup(t, 2)
	link.Abort()
	require.True(t, link.IsAborted())
	require.Zero(t, link.FinishedCount())
	require.Contains(t, link.String(), "aborted")

	require.True(t, link.Finish(tails[0], StatusOK))
	require.False(t, link.IsAborted())
}

func TestFatLinkIdleTimeTracksModification(t *testing.T) {
	t.Parallel()

	link, tails, clk := newGroup(t, 2)
	clk.Advance(30 * time.Second)
	require.Equal(t, 30*time.Second, link.IdleTime())

	require.True(t, link.Finish(tails[0], StatusOK))
	require.Zero(t, link.IdleTime())
	require.Equal(t, clk.Now(), tails[0].ModifiedAt())

	clk.Advance(5 * time.Second)
	require.Equal(t, 5*time.Second, link.IdleTime())
}

func TestFatLinkStampsTailsWithGroupClock(t *testing.T) {
	t.Parallel()

	link, tails, clk := newGroup(t, 2)
	for _, tail := range tails {
		require.Equal(t, clk.Now(), tail.CreatedAt())
		require.Equal(t, clk.Now(), tail.ModifiedAt())
	}
	require.Equal(t, link.CreatedAt(), tails[0].CreatedAt())
}

func TestFatLinkConcurrentFinishCountsEachTailOnce(t *testing.T) {
	t.Parallel()

	link, tails, _ := newGroup(t, 20)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for round := 0; round < 3; round++ {
		for _, tail := range tails {
			wg.Add(1)
			go func(tl *TailLink) {
				defer wg.Done()
				if link.Finish(tl, StatusOK) {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}(tail)
		}
	}
	wg.Wait()

	require.Equal(t, 20, accepted)
	require.Equal(t, 20, link.FinishedCount())
	require.True(t, link.IsFinished())
}

func TestFatLinkCountsAreMonotonicAndBounded(t *testing.T) {
	t.Parallel()

	link, tails, _ := newGroup(t, 4)
	prev := 0
	for _, tail := range append(tails, tails...) {
		link.Finish(tail, StatusOK)
		count := link.FinishedCount()
		require.GreaterOrEqual(t, count, prev)
		require.LessOrEqual(t, count, link.Size())
		require.Equal(t, count >= link.Size(), link.IsFinished())
		prev = count
	}
}

func TestFatLinkDeduplicatesTailsAndAssignsOrder(t *testing.T) {
	t.Parallel()

	a := NewTailLink("https://a.example/1", seed)
	dup := NewTailLink("https://a.example/1", seed)
	b := NewTailLink("https://a.example/2", seed)
	link := New(seed, []*TailLink{a, dup, b}, nil)

	require.Equal(t, 2, link.Size())
	require.Equal(t, 1, a.Order)
	require.Equal(t, 3, b.Order)
	require.Equal(t, "0/2 (+2) https://a.example/", link.String())
}

func TestIsFinishedStatus(t *testing.T) {
	t.Parallel()

	for _, status := range []int{StatusCreated, StatusAccepted, StatusProcessing} {
		require.False(t, IsFinishedStatus(status))
	}
	for _, status := range []int{StatusOK, StatusCanceled, StatusFailed, 404} {
		require.True(t, IsFinishedStatus(status))
	}
}
