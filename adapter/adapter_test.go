package adapter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/coupler/config"
	"github.com/timzifer/coupler/model"
)

type part struct {
	LotSize int32
}

type tool struct {
	Wear float32
}

func newAccess() *model.RecordAccess {
	return model.NewRecordAccess("_", config.NewParameter("localhost", 0))
}

func partAdapter() ProtocolAdapter[model.Record, any, any, any] {
	return NewTranslating[model.Record, any, any, any](
		"part",
		OutputFunc[model.Record, any](func(_ model.Record, access model.Access) (any, error) {
			n, err := access.GetInt("lotSize")
			return part{LotSize: n}, err
		}),
		"part",
		InputFunc[any, any](func(value any, access model.Access) (any, error) {
			return nil, access.SetInt("lotSize", value.(part).LotSize)
		}),
		nil,
	)
}

func toolAdapter() ProtocolAdapter[model.Record, any, any, any] {
	return NewTranslating[model.Record, any, any, any](
		"tool",
		OutputFunc[model.Record, any](func(_ model.Record, access model.Access) (any, error) {
			w, err := access.GetFloat("wear")
			return tool{Wear: w}, err
		}),
		"tool",
		nil,
		nil,
	)
}

func TestTranslatingMissingDirection(t *testing.T) {
	a := toolAdapter()
	_, err := a.AdaptInput(tool{}, newAccess())
	require.ErrorIs(t, err, ErrNoTranslator)
	require.Equal(t, TypeID("tool"), a.OutputType())
	require.NoError(t, a.InitializeModelAccess(newAccess()))
}

func TestFirstSelector(t *testing.T) {
	empty := NewFirstSelector[model.Record, any, any, any]()
	_, err := empty.SelectOutput(nil)
	require.ErrorIs(t, err, ErrNoAdapter)

	p := partAdapter()
	s := NewFirstSelector(p, toolAdapter())
	got, err := s.SelectOutput(model.Record{"kind": "tool"})
	require.NoError(t, err)
	require.Equal(t, TypeID("part"), got.OutputType())
}

func TestFieldSelectorRoutesByDiscriminator(t *testing.T) {
	s := &FieldSelector[model.Record, any, any, any]{
		OutputKey: func(raw model.Record) (string, error) {
			kind, _ := raw["kind"].(string)
			return kind, nil
		},
		InputKey: func(value any) (string, error) {
			switch value.(type) {
			case part:
				return "part", nil
			default:
				return "tool", nil
			}
		},
		Routes: map[string]ProtocolAdapter[model.Record, any, any, any]{
			"part": partAdapter(),
			"tool": toolAdapter(),
		},
	}

	access := newAccess()
	raw := model.Record{"kind": "tool", "wear": 0.25}
	access.SetReadData(raw)
	a, err := s.SelectOutput(raw)
	require.NoError(t, err)
	v, err := a.AdaptOutput(raw, access)
	require.NoError(t, err)
	require.Equal(t, tool{Wear: 0.25}, v)

	a, err = s.SelectInput(part{LotSize: 3})
	require.NoError(t, err)
	require.Equal(t, TypeID("part"), a.InputType())

	_, err = s.SelectOutput(model.Record{"kind": "unknown"})
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestExprSelector(t *testing.T) {
	s, err := NewExprSelector[model.Record, any, any, any](
		`kind == "T" ? "tool" : "part"`,
		"",
		map[string]ProtocolAdapter[model.Record, any, any, any]{
			"part": partAdapter(),
			"tool": toolAdapter(),
		},
	)
	require.NoError(t, err)

	a, err := s.SelectOutput(model.Record{"kind": "T"})
	require.NoError(t, err)
	require.Equal(t, TypeID("tool"), a.OutputType())

	a, err = s.SelectOutput(model.Record{"kind": "P"})
	require.NoError(t, err)
	require.Equal(t, TypeID("part"), a.OutputType())

	_, err = s.SelectInput(part{})
	require.ErrorIs(t, err, ErrNoAdapter)

	_, err = NewExprSelector[model.Record, any, any, any]("kind ==", "", nil)
	require.Error(t, err)
}

func TestRecordAdapterRoundTrip(t *testing.T) {
	access := newAccess()
	a := NewRecordAdapter("", "lotSize", "line")
	require.Equal(t, RecordTypeID, a.OutputType())

	_, err := a.AdaptInput(model.Record{"lotSize": int32(4), "line": "L2", model.FieldTime: int64(1000)}, access)
	require.NoError(t, err)
	out, ok := access.TakeOutbound()
	require.True(t, ok)
	require.Equal(t, int32(4), out.Fields["lotSize"])
	require.Equal(t, int64(1000), out.Time)

	raw := model.Record{"lotSize": int64(4), "line": "L2", "other": true, model.FieldTime: int64(1000)}
	access.SetReadData(raw)
	rec, err := a.AdaptOutput(raw, access)
	require.NoError(t, err)
	require.Equal(t, model.Record{"lotSize": int64(4), "line": "L2", model.FieldTime: int64(1000)}, rec)

	all := NewRecordAdapter("all")
	rec, err = all.AdaptOutput(raw, access)
	require.NoError(t, err)
	require.Len(t, rec, 4)
}

func TestRecordAdapterMonitorsInNotificationMode(t *testing.T) {
	access := newAccess()
	a := NewRecordAdapter("", "lotSize")
	require.NoError(t, a.InitializeModelAccess(access))
	require.Empty(t, access.Monitored())

	access.UseNotifications(true)
	require.NoError(t, a.InitializeModelAccess(access))
	require.Equal(t, []string{"lotSize"}, access.Monitored())
}
