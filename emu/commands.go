package emu

import (
	"sort"
	"strconv"
	"strings"
)

// request is one parsed extended command, e.g. +SMCONF="URL","host","1883".
type request struct {
	name   string
	query  bool
	test   bool
	assign bool
	args   []string
}

func parseExtended(s string) (request, bool) {
	i := 0
	for i < len(s) && checkValidCmdChar(s[i]) {
		i++
	}
	if i == 0 {
		return request{}, false
	}
	req := request{name: strings.ToUpper(s[:i])}
	rest := s[i:]
	switch {
	case rest == "":
	case rest == "?":
		req.query = true
	case rest == "=?":
		req.test = true
	case strings.HasPrefix(rest, "="):
		req.assign = true
		args, ok := splitArgs(rest[1:])
		if !ok {
			return request{}, false
		}
		req.args = args
	default:
		return request{}, false
	}
	return req, true
}

// splitArgs splits a comma separated argument list, removing the quotes
// around string arguments. Commas inside quotes are kept.
func splitArgs(s string) ([]string, bool) {
	var args []string
	var cur strings.Builder
	quoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			args = append(args, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if quoted {
		return nil, false
	}
	args = append(args, strings.TrimSpace(cur.String()))
	return args, true
}

func (r request) intArg(i int) (int, bool) {
	if i >= len(r.args) {
		return 0, false
	}
	n, err := strconv.Atoi(r.args[i])
	return n, err == nil
}

type handler func(m *Modem, r request) RetCode

var extended = map[string]handler{
	"CSQ":     (*Modem).cmdSignal,
	"COPS":    (*Modem).cmdOperator,
	"CGNAPN":  (*Modem).cmdNetworkAPN,
	"CGDCONT": (*Modem).cmdContext,
	"CNSMOD":  (*Modem).cmdSystemMode,
	"CNACT":   (*Modem).cmdActivate,
	"SMCONF":  (*Modem).cmdMqttConf,
	"SMCONN":  (*Modem).cmdMqttConnect,
	"SMSUB":   (*Modem).cmdSubscribe,
	"SMUNSUB": (*Modem).cmdUnsubscribe,
	"SMPUB":   (*Modem).cmdPublish,
	"SMDISC":  (*Modem).cmdMqttDisconnect,
	"SMSTATE": (*Modem).cmdMqttState,
	"CEDUMP":  (*Modem).cmdDump,
}

var systemModes = map[int]bool{1: true, 3: true, 7: true, 9: true}

var mqttKeys = map[string]bool{
	"CLIENTID": true,
	"KEEPTIME": true,
	"URL":      true,
	"CLEANSS":  true,
	"QOS":      true,
	"USERNAME": true,
	"PASSWORD": true,
	"RETAIN":   true,
	"TOPIC":    true,
	"MESSAGE":  true,
}

func (m *Modem) cmdSignal(r request) RetCode {
	if r.assign || r.query {
		return RetCodeError
	}
	m.info("+CSQ: %d,99", m.signal)
	return RetCodeOk
}

func (m *Modem) cmdOperator(r request) RetCode {
	if r.query {
		m.info("+COPS: 0,0,%q,9", m.operator)
	}
	return RetCodeOk
}

func (m *Modem) cmdNetworkAPN(r request) RetCode {
	if r.assign {
		return RetCodeError
	}
	if m.apn == "" {
		m.info("+CGNAPN: 0,\"\"")
		return RetCodeOk
	}
	m.info("+CGNAPN: 1,%q", m.apn)
	return RetCodeOk
}

func (m *Modem) cmdContext(r request) RetCode {
	switch {
	case r.query:
		if m.apn != "" {
			m.info("+CGDCONT: 1,\"IP\",%q", m.apn)
		}
		return RetCodeOk
	case r.assign:
		cid, ok := r.intArg(0)
		if !ok || cid != 1 || len(r.args) < 3 || r.args[1] != "IP" {
			return RetCodeError
		}
		m.apn = r.args[2]
		return RetCodeOk
	}
	return RetCodeError
}

func (m *Modem) cmdSystemMode(r request) RetCode {
	switch {
	case r.query:
		m.info("+CNSMOD: %d,%d", m.modeReport, m.mode)
		return RetCodeOk
	case r.assign:
		report, ok1 := r.intArg(0)
		mode, ok2 := r.intArg(1)
		if !ok1 || !ok2 || report < 0 || report > 1 || !systemModes[mode] {
			return RetCodeError
		}
		m.modeReport, m.mode = report, mode
		return RetCodeOk
	}
	return RetCodeError
}

func (m *Modem) cmdActivate(r request) RetCode {
	switch {
	case r.query:
		m.addrQueries++
		if m.active && m.attachAfter >= 0 && m.addrQueries > m.attachAfter {
			m.info("+CNACT: 0,1,%q", m.address)
		} else {
			m.info("+CNACT: 0,0,\"0.0.0.0\"")
		}
		return RetCodeOk
	case r.assign:
		pdp, ok1 := r.intArg(0)
		action, ok2 := r.intArg(1)
		if !ok1 || !ok2 || pdp != 0 {
			return RetCodeError
		}
		switch action {
		case 0:
			if m.active {
				m.urc = append(m.urc, "+APP PDP: 0,DEACTIVE")
			}
			m.active = false
		case 1, 2:
			if !m.active {
				m.urc = append(m.urc, "+APP PDP: 0,ACTIVE")
			}
			m.active = true
		default:
			return RetCodeError
		}
		return RetCodeOk
	}
	return RetCodeError
}

func (m *Modem) cmdMqttConf(r request) RetCode {
	switch {
	case r.query:
		keys := make([]string, 0, len(m.mqttConf))
		for k := range m.mqttConf {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := m.mqttConf[k]
			if k == "PASSWORD" {
				v = "***"
			}
			m.info("+SMCONF: %s,%q", k, v)
		}
		return RetCodeOk
	case r.assign:
		if len(r.args) < 2 {
			return RetCodeError
		}
		key := strings.ToUpper(r.args[0])
		if !mqttKeys[key] {
			return RetCodeError
		}
		m.mqttConf[key] = strings.Join(r.args[1:], ",")
		return RetCodeOk
	}
	return RetCodeError
}

func (m *Modem) cmdMqttConnect(r request) RetCode {
	if r.assign || r.query || m.status() != StatusIdle || !m.active {
		return RetCodeError
	}
	if m.mqttConf["URL"] == "" || m.mqttConf["CLIENTID"] == "" {
		return RetCodeError
	}
	if m.rejectConnect > 0 {
		m.rejectConnect--
		return RetCodeError
	}
	m.setStatus(StatusConnected)
	return RetCodeOk
}

func (m *Modem) cmdSubscribe(r request) RetCode {
	if !r.assign || m.status() != StatusConnected || len(r.args) < 2 || r.args[0] == "" {
		return RetCodeError
	}
	qos, ok := r.intArg(1)
	if !ok || qos < 0 || qos > 2 {
		return RetCodeError
	}
	m.subs[r.args[0]] = qos
	return RetCodeOk
}

func (m *Modem) cmdUnsubscribe(r request) RetCode {
	if !r.assign || m.status() != StatusConnected || len(r.args) < 1 {
		return RetCodeError
	}
	if _, ok := m.subs[r.args[0]]; !ok {
		return RetCodeError
	}
	delete(m.subs, r.args[0])
	return RetCodeOk
}

func (m *Modem) cmdPublish(r request) RetCode {
	if !r.assign || m.status() != StatusConnected || len(r.args) < 4 || r.args[0] == "" {
		return RetCodeError
	}
	length, ok1 := r.intArg(1)
	qos, ok2 := r.intArg(2)
	retain, ok3 := r.intArg(3)
	if !ok1 || !ok2 || !ok3 || length < 1 || length > MaxPayload {
		return RetCodeError
	}
	m.pub = publishRequest{
		Message: Message{Topic: r.args[0], QoS: qos, Retain: retain},
		length:  length,
	}
	m.setStatus(StatusPayload)
	return RetCodePrompt
}

func (m *Modem) cmdMqttDisconnect(r request) RetCode {
	if r.assign || r.query || m.status() != StatusConnected {
		return RetCodeError
	}
	m.setStatus(StatusIdle)
	return RetCodeOk
}

func (m *Modem) cmdMqttState(r request) RetCode {
	if !r.query {
		return RetCodeError
	}
	state := 0
	if m.status() == StatusConnected {
		state = 1
	}
	m.info("+SMSTATE: %d", state)
	return RetCodeOk
}

func (m *Modem) cmdDump(r request) RetCode {
	if !r.assign {
		return RetCodeError
	}
	m.info("+CEDUMP: mode=%d,pdp=%v,apn=%q,mqtt=%s,subs=%d", m.mode, m.active, m.apn, m.status(), len(m.subs))
	return RetCodeOk
}
