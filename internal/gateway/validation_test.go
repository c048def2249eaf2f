package gateway

import "testing"

func TestValidateRoomCode(t *testing.T) {
	if code, ok := ValidateRoomCode("Demo-Room_1"); !ok || code != "demo-room_1" {
		t.Fatalf("want lowered valid code, got %q ok=%v", code, ok)
	}
	if _, ok := ValidateRoomCode("has a space"); ok {
		t.Fatal("spaces should be rejected")
	}
	if _, ok := ValidateRoomCode(""); ok {
		t.Fatal("empty room code should be rejected")
	}
}

func TestValidateNickname(t *testing.T) {
	if nick, ok := ValidateNickname("  alice  "); !ok || nick != "alice" {
		t.Fatalf("want trimmed nickname, got %q ok=%v", nick, ok)
	}
	if _, ok := ValidateNickname(""); ok {
		t.Fatal("empty nickname should be rejected")
	}
	if _, ok := ValidateNickname("<script>"); ok {
		t.Fatal("markup characters should be rejected by the charset rule")
	}
}

func TestValidateNickname_ProfanityFilter(t *testing.T) {
	if _, ok := ValidateNickname("damn"); ok {
		t.Fatal("exact profanity match should be blocked")
	}
	if _, ok := ValidateNickname("damnit"); ok {
		t.Fatal("profanity stem as a prefix should be blocked")
	}
	if _, ok := ValidateNickname("godsdamn"); ok {
		t.Fatal("profanity stem as a suffix should be blocked")
	}
}

func TestValidateMessageContent(t *testing.T) {
	if _, ok := ValidateMessageContent(""); ok {
		t.Fatal("empty message should be rejected")
	}
	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}
	if _, ok := ValidateMessageContent(string(long)); ok {
		t.Fatal("message over 500 chars should be rejected")
	}
	if got, ok := ValidateMessageContent("<b>hi</b>"); !ok || got == "<b>hi</b>" {
		t.Fatalf("expected markup-escaped content, got %q ok=%v", got, ok)
	}
}
