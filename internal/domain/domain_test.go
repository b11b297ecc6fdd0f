package domain

import "testing"

func TestDeviceRequirements_Intersects_OSVersionRange(t *testing.T) {
	cases := []struct {
		name string
		a, b DeviceRequirements
		want bool
	}{
		{
			name: "overlapping ranges",
			a:    DeviceRequirements{MinOSVersion: "10", MaxOSVersion: "14"},
			b:    DeviceRequirements{MinOSVersion: "12", MaxOSVersion: "16"},
			want: true,
		},
		{
			name: "disjoint ranges",
			a:    DeviceRequirements{MinOSVersion: "14", MaxOSVersion: "16"},
			b:    DeviceRequirements{MinOSVersion: "9", MaxOSVersion: "12"},
			want: false,
		},
		{
			name: "one side unbounded",
			a:    DeviceRequirements{MinOSVersion: "14"},
			b:    DeviceRequirements{MaxOSVersion: "12"},
			want: false,
		},
		{
			name: "both unbounded",
			a:    DeviceRequirements{},
			b:    DeviceRequirements{},
			want: true,
		},
		{
			name: "equal boundary matches",
			a:    DeviceRequirements{MaxOSVersion: "12.0"},
			b:    DeviceRequirements{MinOSVersion: "12"},
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Intersects(tc.b); got != tc.want {
				t.Errorf("Intersects(%+v, %+v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}
