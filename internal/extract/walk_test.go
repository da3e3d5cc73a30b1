package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// repeatingLister mimics portals that serve the last listing page again for
// any page number past the end.
func repeatingLister(pages [][]string, calls *int) Lister {
	return ListerFunc(func(_ context.Context, page int) ([]string, error) {
		*calls++
		if page > len(pages) {
			return pages[len(pages)-1], nil
		}
		return pages[page-1], nil
	})
}

func collect(out *[]string) func(string) bool {
	return func(loc string) bool {
		*out = append(*out, loc)
		return true
	}
}

func TestWalkStopsWhenPageHasNoFreshLocators(t *testing.T) {
	t.Parallel()

	var calls int
	lister := repeatingLister([][]string{{"/a", "/b"}, {"/c"}}, &calls)
	var got []string
	err := Walk(context.Background(), "https://portal.example", lister, WalkOptions{TrackSeen: true}, collect(&got))
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://portal.example/a",
		"https://portal.example/b",
		"https://portal.example/c",
	}, got)
	require.Equal(t, 3, calls)
}

func TestWalkWithoutSeenGuardKeepsGoing(t *testing.T) {
	t.Parallel()

	var calls int
	lister := repeatingLister([][]string{{"/a"}, {"/b"}}, &calls)
	var got []string
	err := Walk(context.Background(), "https://portal.example", lister, WalkOptions{}, func(loc string) bool {
		got = append(got, loc)
		return len(got) < 50
	})
	require.NoError(t, err)
	require.Len(t, got, 50)
	require.Equal(t, 50, calls)
}

func TestWalkFirstPageFailureIsUnreachable(t *testing.T) {
	t.Parallel()

	lister := ListerFunc(func(context.Context, int) ([]string, error) {
		return nil, errors.New("connection refused")
	})
	err := Walk(context.Background(), "https://portal.example", lister, WalkOptions{TrackSeen: true}, func(string) bool { return true })
	require.ErrorIs(t, err, ErrSourceUnreachable)
	require.ErrorContains(t, err, "connection refused")
}

func TestWalkSkipsFailingLaterPages(t *testing.T) {
	t.Parallel()

	lister := ListerFunc(func(_ context.Context, page int) ([]string, error) {
		switch page {
		case 1:
			return []string{"/a"}, nil
		case 2:
			return nil, &StatusError{URL: "p2", StatusCode: 502}
		case 3:
			return []string{"/d"}, nil
		default:
			return nil, nil
		}
	})
	var got []string
	err := Walk(context.Background(), "https://portal.example", lister, WalkOptions{TrackSeen: true}, collect(&got))
	require.NoError(t, err)
	require.Equal(t, []string{"https://portal.example/a", "https://portal.example/d"}, got)
}

func TestWalkStopsAfterConsecutivePageErrors(t *testing.T) {
	t.Parallel()

	var calls int
	lister := ListerFunc(func(_ context.Context, page int) ([]string, error) {
		calls++
		if page == 1 {
			return []string{"/a"}, nil
		}
		return nil, errors.New("timeout")
	})
	var got []string
	err := Walk(context.Background(), "https://portal.example", lister, WalkOptions{TrackSeen: true, MaxPageErrors: 2}, collect(&got))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 3, calls)
}

func TestWalkResolvesLinksAgainstBase(t *testing.T) {
	t.Parallel()

	lister := ListerFunc(func(_ context.Context, page int) ([]string, error) {
		if page > 1 {
			return nil, nil
		}
		return []string{
			"/agenda/item/1",
			"item/2",
			"https://elsewhere.example/doc.pdf#page=2",
			"mailto:griffie@portal.example",
			"#top",
			"  ",
		}, nil
	})
	var got []string
	err := Walk(context.Background(), "https://portal.example", lister, WalkOptions{TrackSeen: true}, collect(&got))
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://portal.example/agenda/item/1",
		"https://portal.example/item/2",
		"https://elsewhere.example/doc.pdf",
	}, got)
}

func TestWalkHonorsMaxPages(t *testing.T) {
	t.Parallel()

	var calls int
	lister := ListerFunc(func(_ context.Context, page int) ([]string, error) {
		calls++
		return []string{"/item/" + string(rune('a'+page))}, nil
	})
	var got []string
	err := Walk(context.Background(), "https://portal.example", lister, WalkOptions{TrackSeen: true, MaxPages: 4}, collect(&got))
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, 4, calls)
}

func TestWalkCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lister := ListerFunc(func(context.Context, int) ([]string, error) {
		return []string{"/a"}, nil
	})
	err := Walk(ctx, "https://portal.example", lister, WalkOptions{TrackSeen: true}, func(string) bool { return true })
	require.ErrorIs(t, err, context.Canceled)
}
