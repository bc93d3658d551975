package taskcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTiersServeLowerPriorityFirst(t *testing.T) {
	t.Parallel()

	tiers := NewTiers[string]()
	low := New[string]("low", 10)
	mid := New[string]("mid", 5)
	high := New[string]("high", 0)
	for _, c := range []*Cache[string]{low, mid, high} {
		require.NoError(t, tiers.Register(c))
	}
	low.Offer("l1")
	mid.Offer("m1")
	high.Offer("h1")
	high.Offer("h2")
	mid.Offer("m2")

	var order []string
	for {
		items := tiers.Poll(1)
		if len(items) == 0 {
			break
		}
		order = append(order, items...)
	}
	require.Equal(t, []string{"h1", "h2", "m1", "m2", "l1"}, order)
	require.Same(t, high, tiers.Highest())
	require.Same(t, low, tiers.Lowest())
}

func TestTiersTieBrokenByRegistrationOrder(t *testing.T) {
	t.Parallel()

	tiers := NewTiers[string]()
	first := New[string]("first", 1)
	second := New[string]("second", 1)
	require.NoError(t, tiers.Register(first))
	require.NoError(t, tiers.Register(second))
	second.Offer("s")
	first.Offer("f")

	require.Equal(t, []string{"f"}, tiers.Poll(5))
	require.Equal(t, []string{"s"}, tiers.Poll(5))
}

func TestTiersPollDrainsOnlyOneTier(t *testing.T) {
	t.Parallel()

	tiers := NewTiers[int]()
	a := New[int]("a", 0)
	b := New[int]("b", 1)
	require.NoError(t, tiers.Register(a))
	require.NoError(t, tiers.Register(b))
	a.Offer(1)
	b.Offer(2)

	require.Equal(t, []int{1}, tiers.Poll(10))
	require.Equal(t, 1, tiers.Size())
}

func TestTiersRejectDuplicateName(t *testing.T) {
	t.Parallel()

	tiers := NewTiers[int]()
	require.NoError(t, tiers.Register(New[int]("normal", 0)))
	err := tiers.Register(New[int]("normal", 3))
	require.ErrorIs(t, err, ErrDuplicateName)

	c, ok := tiers.Lookup("normal")
	require.True(t, ok)
	require.Equal(t, 0, c.Priority())
}

func TestTiersTakeWakesOnOffer(t *testing.T) {
	t.Parallel()

	tiers := NewTiers[string]()
	c := New[string]("normal", 0)
	require.NoError(t, tiers.Register(c))

	got := make(chan string, 1)
	go func() {
		item, err := tiers.Take(context.Background())
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	c.Offer("late")

	select {
	case item := <-got:
		require.Equal(t, "late", item)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake after offer")
	}
}

func TestTiersTakeWakesEveryConsumer(t *testing.T) {
	t.Parallel()

	tiers := NewTiers[int]()
	c := New[int]("normal", 0)
	require.NoError(t, tiers.Register(c))

	got := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			item, err := tiers.Take(context.Background())
			if err == nil {
				got <- item
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	c.Offer(1)
	c.Offer(2)

	require.Eventually(t, func() bool { return len(got) == 2 }, time.Second, 5*time.Millisecond)
}

func TestTiersTakeHonorsContext(t *testing.T) {
	t.Parallel()

	tiers := NewTiers[int]()
	require.NoError(t, tiers.Register(New[int]("normal", 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tiers.Take(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTiersHasMore(t *testing.T) {
	t.Parallel()

	tiers := NewTiers[int]()
	c := New[int]("normal", 0)
	require.NoError(t, tiers.Register(c))
	require.False(t, tiers.HasMore())

	c.Offer(1)
	require.True(t, tiers.HasMore())

	require.NoError(t, tiers.Register(New[int]("stream", 2, WithSource(fakeSource{more: true}))))
	tiers.Poll(1)
	require.True(t, tiers.HasMore())
}
