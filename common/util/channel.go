package util

func EmptyChannel[T interface{}](ch chan T) {
	for len(ch) > 0 {
		<-ch
	}
}

// TrySend delivers v unless ch is full.
func TrySend[T interface{}](ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}
