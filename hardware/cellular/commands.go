package cellular

// Commands is the modem vocabulary. Defaults match Quectel EC2x/EG9x
// firmware with the embedded HTTP client.
type Commands struct {
	Liveness string
	Setup    []string

	Identity       string
	IdentityPrefix string

	NetworkModeFmt string
	NetworkModes   []NetworkMode
	RegisterEnable string
	RegisterQuery  string
	RegisterPrefix string

	ContextConfig    string // used when APN is not configured
	ContextConfigFmt string
	AttachQuery      string
	AttachPrefix     string
	Attach           string
	Detach           string
	Reboot           string

	HTTPSetup     []string
	HTTPURLFmt    string
	HTTPHeaderFmt string
	HTTPPostFmt   string
	HTTPPostURC   string

	Sleep string

	Clock             string
	ClockPrefix       string
	Signal            string
	SignalPrefix      string
	Operator          string
	OperatorPrefix    string
	NetworkInfo       string
	NetworkInfoPrefix string
}

type NetworkMode struct {
	Name  string
	Value int
}

func QuectelCommands() Commands {
	return Commands{
		Liveness: "AT",
		Setup:    []string{"ATE0", "AT+CMEE=1", "AT+CTZU=3"},

		Identity:       "AT+QCCID",
		IdentityPrefix: "+QCCID:",

		NetworkModeFmt: `AT+QCFG="nwscanmode",%d`,
		NetworkModes: []NetworkMode{
			{Name: "auto", Value: 0},
			{Name: "2g", Value: 1},
			{Name: "4g", Value: 3},
		},
		RegisterEnable: "AT+CREG=1",
		RegisterQuery:  "AT+CREG?",
		RegisterPrefix: "+CREG:",

		ContextConfig:    "AT+QICSGP=1,1",
		ContextConfigFmt: `AT+QICSGP=1,1,"%s","%s","%s",1`,
		AttachQuery:      "AT+CGATT?",
		AttachPrefix:     "+CGATT:",
		Attach:           "AT+CGATT=1",
		Detach:           "AT+CGATT=0",
		Reboot:           "AT+CFUN=1,1",

		HTTPSetup: []string{
			`AT+QHTTPCFG="contextid",1`,
			`AT+QHTTPCFG="requestheader",0`,
			`AT+QHTTPCFG="responseheader",1`,
			`AT+QHTTPCFG="rspout/auto",0`,
		},
		HTTPURLFmt:    `AT+QHTTPCFG="url","%s"`,
		HTTPHeaderFmt: `AT+QHTTPCFG="header","%s"`,
		HTTPPostFmt:   "AT+QHTTPPOST=%d,%d,%d",
		HTTPPostURC:   "+QHTTPPOST:",

		Sleep: "AT+QSCLK=2",

		Clock:             "AT+CCLK?",
		ClockPrefix:       "+CCLK:",
		Signal:            "AT+CSQ",
		SignalPrefix:      "+CSQ:",
		Operator:          "AT+QSPN",
		OperatorPrefix:    "+QSPN:",
		NetworkInfo:       "AT+QNWINFO",
		NetworkInfoPrefix: "+QNWINFO:",
	}
}
