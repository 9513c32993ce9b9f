package netdiscovery

import "strconv"

func decodeTXT(text []string) (gatewayID string, deviceCount int) {
	for _, kv := range text {
		key, value, ok := splitTXT(kv)
		if !ok {
			continue
		}
		switch key {
		case txtKeyGatewayID:
			gatewayID = value
		case txtKeyDeviceCount:
			deviceCount, _ = strconv.Atoi(value)
		}
	}
	return gatewayID, deviceCount
}

func splitTXT(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
