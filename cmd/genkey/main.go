// Command genkey prints a fresh VAPID key pair and push subscription keys in
// .env form.
package main

import (
	"fmt"
	"os"

	"pushlink/internal/webpush"
)

func main() {
	vapid, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	push, err := webpush.GenerateSubscriptionKeys()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	sub := push.Subscriber("")

	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", vapid.PublicKeyString())
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", vapid.PrivateKeyString())
	fmt.Printf("PUSH_P256DH=%s\n", webpush.EncodeKey(sub.P256dh))
	fmt.Printf("PUSH_PRIVATE_KEY=%s\n", webpush.EncodeKey(push.Private.Bytes()))
	fmt.Printf("PUSH_AUTH=%s\n", webpush.EncodeKey(sub.Auth))
}
