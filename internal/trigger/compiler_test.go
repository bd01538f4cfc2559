package trigger

import (
	"errors"
	"testing"
	"time"

	"reportbot/internal/subscription"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestCompileNext(t *testing.T) {
	t.Parallel()
	c := NewCompiler(time.UTC)
	cases := []struct {
		name string
		in   Input
		from time.Time
		want time.Time
		expr string
	}{
		{
			name: "weekly wednesday 09:00 at +3 fires 06:00 reference",
			in:   Input{Periodicity: subscription.Weekly, Weekday: subscription.WeekdayPtr(subscription.Wednesday), Time: subscription.TimeOfDay{Hour: 9}, Offset: 3},
			from: utc(2026, 10, 12, 0, 0),
			want: utc(2026, 10, 14, 6, 0),
			expr: "0 6 * * 3",
		},
		{
			name: "daily 08:00",
			in:   Input{Periodicity: subscription.Daily, Time: subscription.TimeOfDay{Hour: 8}},
			from: utc(2026, 10, 17, 8, 0),
			want: utc(2026, 10, 18, 8, 0),
			expr: "0 8 * * *",
		},
		{
			name: "weekly monday 01:00 at +3 wraps to sunday",
			in:   Input{Periodicity: subscription.Weekly, Weekday: subscription.WeekdayPtr(subscription.Monday), Time: subscription.TimeOfDay{Hour: 1}, Offset: 3},
			from: utc(2026, 10, 12, 0, 0),
			want: utc(2026, 10, 18, 22, 0),
			expr: "0 22 * * 0",
		},
		{
			name: "weekly sunday 23:30 at -2 wraps to monday",
			in:   Input{Periodicity: subscription.Weekly, Weekday: subscription.WeekdayPtr(subscription.Sunday), Time: subscription.TimeOfDay{Hour: 23, Minute: 30}, Offset: -2},
			from: utc(2026, 10, 12, 2, 0),
			want: utc(2026, 10, 19, 1, 30),
			expr: "30 1 * * 1",
		},
		{
			name: "workdays shift the whole set",
			in:   Input{Periodicity: subscription.Workdays, Time: subscription.TimeOfDay{Hour: 1}, Offset: 3},
			from: utc(2026, 10, 16, 23, 0),
			want: utc(2026, 10, 18, 22, 0),
			expr: "0 22 * * 0,1,2,3,4",
		},
		{
			name: "workdays skip the weekend",
			in:   Input{Periodicity: subscription.Workdays, Time: subscription.TimeOfDay{Hour: 9, Minute: 15}},
			from: utc(2026, 10, 16, 10, 0),
			want: utc(2026, 10, 19, 9, 15),
			expr: "15 9 * * 1,2,3,4,5",
		},
		{
			name: "monthly 31st clamps to november 30",
			in:   Input{Periodicity: subscription.Monthly, DayOfMonth: subscription.IntPtr(31), Time: subscription.TimeOfDay{Hour: 8}},
			from: utc(2026, 11, 1, 0, 0),
			want: utc(2026, 11, 30, 8, 0),
		},
		{
			name: "monthly 31st fires on october 31",
			in:   Input{Periodicity: subscription.Monthly, DayOfMonth: subscription.IntPtr(31), Time: subscription.TimeOfDay{Hour: 8}},
			from: utc(2026, 10, 30, 0, 0),
			want: utc(2026, 10, 31, 8, 0),
		},
		{
			name: "monthly 30th clamps in february",
			in:   Input{Periodicity: subscription.Monthly, DayOfMonth: subscription.IntPtr(30), Time: subscription.TimeOfDay{Hour: 8}},
			from: utc(2027, 2, 1, 0, 0),
			want: utc(2027, 2, 28, 8, 0),
		},
		{
			name: "monthly first at 01:00 +3 fires previous reference day",
			in:   Input{Periodicity: subscription.Monthly, DayOfMonth: subscription.IntPtr(1), Time: subscription.TimeOfDay{Hour: 1}, Offset: 3},
			from: utc(2026, 10, 15, 0, 0),
			want: utc(2026, 10, 31, 22, 0),
		},
		{
			name: "monthly last day at 23:00 -3 rolls into next reference day",
			in:   Input{Periodicity: subscription.Monthly, DayOfMonth: subscription.IntPtr(31), Time: subscription.TimeOfDay{Hour: 23}, Offset: -3},
			from: utc(2026, 11, 1, 3, 0),
			want: utc(2026, 12, 1, 2, 0),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sp, err := c.Compile(tc.in)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if tc.expr != "" && sp.String() != tc.expr {
				t.Fatalf("expr=%q want %q", sp.String(), tc.expr)
			}
			if got := sp.Next(tc.from); !got.Equal(tc.want) {
				t.Fatalf("Next(%s)=%s want %s", tc.from, got, tc.want)
			}
		})
	}
}

func TestCompileRejectsInvalidFields(t *testing.T) {
	t.Parallel()
	c := NewCompiler(time.UTC)
	cases := []struct {
		in    Input
		field string
	}{
		{Input{Periodicity: subscription.Weekly, Time: subscription.TimeOfDay{Hour: 9}}, "weekday"},
		{Input{Periodicity: subscription.Weekly, Weekday: subscription.WeekdayPtr(7), Time: subscription.TimeOfDay{Hour: 9}}, "weekday"},
		{Input{Periodicity: subscription.Monthly, Time: subscription.TimeOfDay{Hour: 9}}, "day_of_month"},
		{Input{Periodicity: subscription.Monthly, DayOfMonth: subscription.IntPtr(32), Time: subscription.TimeOfDay{Hour: 9}}, "day_of_month"},
		{Input{Periodicity: subscription.Daily, Time: subscription.TimeOfDay{Hour: 25}}, "time_of_day"},
		{Input{Periodicity: subscription.Daily, Time: subscription.TimeOfDay{Minute: -1}}, "time_of_day"},
		{Input{Periodicity: subscription.Daily, Time: subscription.TimeOfDay{Hour: 9}, Offset: -13}, "timezone_offset"},
		{Input{Time: subscription.TimeOfDay{Hour: 9}}, "periodicity"},
	}
	for _, tc := range cases {
		_, err := c.Compile(tc.in)
		var ve *subscription.ValidationError
		if !errors.As(err, &ve) || ve.Field != tc.field {
			t.Fatalf("Compile(%+v) err=%v want field %s", tc.in, err, tc.field)
		}
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	t.Parallel()
	c := NewCompiler(time.FixedZone("REF", 3*3600))
	in := Input{Periodicity: subscription.Workdays, Time: subscription.TimeOfDay{Hour: 7, Minute: 45}, Offset: -4}
	a, err := c.Compile(in)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b, _ := c.Compile(in)
	if a != b {
		t.Fatalf("identical inputs compiled to different specs: %v vs %v", a, b)
	}
	in.Time.Minute = 46
	d, _ := c.Compile(in)
	if a == d {
		t.Fatalf("different inputs compiled to equal specs")
	}
}

func TestCompileIgnoresInapplicableFields(t *testing.T) {
	t.Parallel()
	c := NewCompiler(time.UTC)
	plain, _ := c.Compile(Input{Periodicity: subscription.Daily, Time: subscription.TimeOfDay{Hour: 8}})
	noisy, err := c.Compile(Input{Periodicity: subscription.Daily, Weekday: subscription.WeekdayPtr(2), DayOfMonth: subscription.IntPtr(5), Time: subscription.TimeOfDay{Hour: 8}})
	if err != nil || plain != noisy {
		t.Fatalf("daily spec should ignore weekday/day-of-month: %v %v", plain, noisy)
	}
}

func TestNextInReferenceLocation(t *testing.T) {
	t.Parallel()
	ref := time.FixedZone("REF", 3*3600)
	c := NewCompiler(ref)
	sp, err := c.Compile(Input{Periodicity: subscription.Daily, Time: subscription.TimeOfDay{Hour: 8}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	got := sp.Next(utc(2026, 10, 17, 6, 0))
	if want := utc(2026, 10, 18, 5, 0); !got.Equal(want) {
		t.Fatalf("Next=%s want %s", got, want)
	}
}
