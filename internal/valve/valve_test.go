package valve

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTags(t *testing.T) {
	tags, err := ParseTags([]string{"ACTIVE", "POSITIVE", "FORCE"})
	require.NoError(t, err)
	require.Equal(t, []Tag{Active, Positive, Force}, tags)

	_, err = ParseTags([]string{"NOT_A_TAG"})
	require.Error(t, err)
}

func TestIdleCommand(t *testing.T) {
	cases := []struct {
		name    string
		roles   []Tag
		want    int
		publish bool
	}{
		{"plain active valve", []Tag{Active}, 1, true},
		{"alwayson overrides to 0", []Tag{Active, AlwaysOn}, 0, true},
		{"alwaysoff stays 1", []Tag{Active, AlwaysOff}, 1, true},
		{"force valve untouched", []Tag{Force}, 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := Descriptor{Name: "v", Roles: c.roles}
			got, publish := d.IdleCommand()
			require.Equal(t, c.publish, publish)
			if publish {
				require.Equal(t, c.want, got)
			}
		})
	}
}

func TestInitializingCommand(t *testing.T) {
	positive := Descriptor{Name: "v", Roles: []Tag{Active, Positive}}
	require.Equal(t, 0, positive.InitializingCommand(ActionPositive))
	require.Equal(t, 1, positive.InitializingCommand(ActionNegative))

	negative := Descriptor{Name: "v", Roles: []Tag{Active, Negative}}
	require.Equal(t, 1, negative.InitializingCommand(ActionPositive))
	require.Equal(t, 0, negative.InitializingCommand(ActionNegative))

	neither := Descriptor{Name: "v", Roles: []Tag{Active}}
	require.Equal(t, 1, neither.InitializingCommand(ActionPositive))
	require.Equal(t, 1, neither.InitializingCommand(ActionNegative))
}

func TestReleaseTagFor(t *testing.T) {
	require.Equal(t, PositiveRelease, ReleaseTagFor(ActionPositive))
	require.Equal(t, NegativeRelease, ReleaseTagFor(ActionNegative))
}

func TestHas(t *testing.T) {
	d := Descriptor{Name: "v", Roles: []Tag{Active, Positive}}
	require.True(t, d.Has(Active))
	require.True(t, d.Has(Positive))
	require.False(t, d.Has(Negative))
}
