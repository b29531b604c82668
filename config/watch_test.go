package config

import (
	"context"
	"os"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestWatch(t *testing.T) {
	Convey("Given a watched configuration file", t, func() {
		path := writeConfig(t, "[log]\nlevel = \"info\"\n")

		ctx, cancel := context.WithCancel(context.Background())
		changes := make(chan Config, 10)
		var watchErr error
		done := make(chan struct{})
		go func() {
			watchErr = Watch(ctx, path, func(c Config) {
				select {
				case changes <- c:
				default:
				}
			})
			close(done)
		}()

		// rewrite until the watcher picks it up, the watch is set up async
		rewrite := func(content string, until time.Duration) (Config, bool) {
			deadline := time.After(until)
			ticker := time.NewTicker(time.Millisecond * 20)
			defer ticker.Stop()
			for {
				select {
				case c := <-changes:
					return c, true
				case <-deadline:
					return Config{}, false
				case <-ticker.C:
					So(os.WriteFile(path, []byte(content), 0600), ShouldBeNil)
				}
			}
		}

		Convey("When the file is changed", func() {
			c, ok := rewrite("[log]\nlevel = \"debug\"\n", time.Second*5)

			Convey("Then onChange is called with the new configuration", func() {
				So(ok, ShouldBeTrue)
				So(c.Log.Level, ShouldEqual, "debug")
			})
		})

		Convey("When the file is changed into an invalid configuration", func() {
			_, ok := rewrite("[log]\nlevel = \"verbose\"\n", time.Millisecond*300)

			Convey("Then onChange is not called", func() {
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When the file is truncated", func() {
			_, ok := rewrite("", time.Millisecond*300)

			Convey("Then onChange is not called", func() {
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When the context is cancelled", func() {
			cancel()

			Convey("Then Watch returns", func() {
				select {
				case <-done:
					So(watchErr, ShouldEqual, context.Canceled)
				case <-time.After(time.Second):
					So("Watch did not return", ShouldBeEmpty)
				}
			})
		})

		Reset(func() {
			cancel()
			<-done
		})
	})
}
