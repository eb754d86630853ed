package simulated

import "github.com/timzifer/coupler/config"

const settingsSchema = `#Signal: {
	kind?:             string
	min?:              number
	max?:              number
	int_min?:          int
	int_max?:          int
	true_probability?: number & >=0 & <=1
	string_length?:    int & >=0
	alphabet?:         string
	places?:           int & >=0
}

#Settings: {
	source?:   string
	seed?:     int
	events?:   bool
	interval?: #Duration
	history?:  int & >=0
	values?: [string]: _
	defaults?: #Signal
	signals?: [string]: #Signal
}

#Settings
`

func init() {
	config.MustRegisterDriverSchema(Driver, settingsSchema)
}
